package consts

// MailboxInbox is the mailbox implicit keep delivers to unless configured
// otherwise. Its name is matched case-insensitively.
const MailboxInbox = "INBOX"
