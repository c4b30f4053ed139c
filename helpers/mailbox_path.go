package helpers

import (
	"fmt"
	"strings"
)

// MailboxSeparator is the hierarchy separator of mailbox names as scripts
// use them.
const MailboxSeparator = "/"

// MaildirFolder maps a mailbox name to its Maildir++ folder name: INBOX is
// the maildir root ("") and "Work/Projects" becomes ".Work.Projects".
func MaildirFolder(mailbox string) (string, error) {
	if err := ValidateMailboxName(mailbox); err != nil {
		return "", err
	}
	if strings.EqualFold(mailbox, "INBOX") {
		return "", nil
	}
	parts := strings.Split(mailbox, MailboxSeparator)
	if strings.EqualFold(parts[0], "INBOX") {
		parts[0] = "INBOX"
	}
	return "." + strings.Join(parts, "."), nil
}

// ValidateMailboxName rejects names that cannot be stored: empty names,
// empty hierarchy levels, relative path elements and control characters.
func ValidateMailboxName(mailbox string) error {
	if mailbox == "" {
		return fmt.Errorf("empty mailbox name")
	}
	for _, r := range mailbox {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("mailbox name %q contains control characters", mailbox)
		}
	}
	for _, level := range strings.Split(mailbox, MailboxSeparator) {
		switch {
		case level == "":
			return fmt.Errorf("mailbox name %q has an empty hierarchy level", mailbox)
		case level == "." || level == "..":
			return fmt.Errorf("mailbox name %q contains a relative path element", mailbox)
		case strings.ContainsAny(level, ".\\"):
			return fmt.Errorf("mailbox name %q contains a reserved character", mailbox)
		}
	}
	return nil
}
