package interp

// Loop is an active loop frame. Begin is the first instruction of the loop
// body, End the position right after the loop's closing instruction.
type Loop struct {
	Begin int
	End   int
	Ext   ExtensionDef

	// Context is per-loop state owned by the extension. It is dropped when
	// the frame is popped.
	Context any
}

func (ip *Interpreter) topLoop() *Loop {
	if len(ip.loops) == 0 {
		return nil
	}
	return ip.loops[len(ip.loops)-1]
}

// ReadJumpTarget reads a jump offset and resolves it against the executing
// instruction. The target is not validated.
func (renv *RunEnv) ReadJumpTarget(pc *int) (int, error) {
	off, err := renv.ip.r.Offset(pc)
	if err != nil {
		return 0, err
	}
	return renv.instr + off, nil
}

// ProgramJump reads a jump offset at pc and, if jump is set, transfers
// control to its target. The target must lie inside the program and inside
// the innermost active loop. With breakLoops a target outside the loop
// leaves every loop that does not contain it.
func (renv *RunEnv) ProgramJump(pc *int, jump, breakLoops bool) error {
	at := *pc
	target, err := renv.ReadJumpTarget(pc)
	if err != nil {
		return err
	}
	if target < 0 || target >= renv.ip.r.Size() {
		return corruptAt(at, "jump target %08x out of range", target)
	}
	ip := renv.ip
	if top := ip.topLoop(); top != nil && (target < top.Begin || target >= top.End) {
		if !breakLoops {
			return corruptAt(at, "jump target %08x crosses loop boundary", target)
		}
		for jump && len(ip.loops) > 0 {
			l := ip.topLoop()
			if target >= l.Begin && target < l.End {
				break
			}
			ip.popLoop()
		}
	}
	if jump {
		*pc = target
	}
	return nil
}

// LoopStart reads the loop end offset at pc and pushes a new frame whose
// body begins right after the instruction.
func (renv *RunEnv) LoopStart(pc *int, ext ExtensionDef, context any) (*Loop, error) {
	ip := renv.ip
	at := *pc
	end, err := renv.ReadJumpTarget(pc)
	if err != nil {
		return nil, err
	}
	if len(ip.loops) >= ip.opts.MaxLoopDepth {
		return nil, corruptAt(at, "loop nesting exceeds %d levels", ip.opts.MaxLoopDepth)
	}
	if end <= *pc || end > ip.r.Size() {
		return nil, corruptAt(at, "invalid loop end %08x", end)
	}
	if top := ip.topLoop(); top != nil && end > top.End {
		return nil, corruptAt(at, "loop end %08x outside enclosing loop", end)
	}
	l := &Loop{Begin: *pc, End: end, Ext: ext, Context: context}
	ip.loops = append(ip.loops, l)
	return l, nil
}

// ReadLoopBegin reads the loop begin offset of a closing loop instruction
// and verifies it against the innermost frame.
func (renv *RunEnv) ReadLoopBegin(pc *int, ext ExtensionDef) (*Loop, error) {
	at := *pc
	begin, err := renv.ReadJumpTarget(pc)
	if err != nil {
		return nil, err
	}
	l := renv.ip.topLoop()
	if l == nil || l.Ext != ext {
		return nil, corruptAt(at, "loop end without matching loop")
	}
	if l.Begin != begin {
		return nil, corruptAt(at, "loop begin %08x does not match frame begin %08x", begin, l.Begin)
	}
	if *pc != l.End {
		return nil, corruptAt(at, "loop end instruction is not at loop end")
	}
	return l, nil
}

// LoopNext starts the next iteration of loop.
func (renv *RunEnv) LoopNext(pc *int, l *Loop) error {
	if renv.ip.topLoop() != l {
		return renv.Corrupt("loop is not the innermost loop")
	}
	*pc = l.Begin
	return nil
}

// LoopExit pops loop after its last iteration; execution continues at the
// loop end.
func (renv *RunEnv) LoopExit(pc *int, l *Loop) error {
	if renv.ip.topLoop() != l {
		return renv.Corrupt("loop is not the innermost loop")
	}
	renv.ip.popLoop()
	*pc = l.End
	return nil
}

// LoopBreak unwinds every frame up to and including l and continues at its
// end.
func (renv *RunEnv) LoopBreak(pc *int, l *Loop) error {
	ip := renv.ip
	for len(ip.loops) > 0 {
		top := ip.popLoop()
		if top == l {
			*pc = l.End
			return nil
		}
	}
	return renv.Corrupt("break from inactive loop")
}

// LoopTop returns the innermost frame owned by ext, or the innermost frame
// when ext is nil.
func (renv *RunEnv) LoopTop(ext ExtensionDef) *Loop {
	loops := renv.ip.loops
	for i := len(loops) - 1; i >= 0; i-- {
		if ext == nil || loops[i].Ext == ext {
			return loops[i]
		}
	}
	return nil
}

// LoopGet finds the active frame of ext ending at end.
func (renv *RunEnv) LoopGet(end int, ext ExtensionDef) *Loop {
	for _, l := range renv.ip.loops {
		if l.End == end && (ext == nil || l.Ext == ext) {
			return l
		}
	}
	return nil
}

// Loops returns the active frames, outermost first.
func (renv *RunEnv) Loops() []*Loop {
	return renv.ip.loops
}

func (ip *Interpreter) popLoop() *Loop {
	l := ip.loops[len(ip.loops)-1]
	ip.loops[len(ip.loops)-1] = nil
	ip.loops = ip.loops[:len(ip.loops)-1]
	l.Context = nil
	return l
}
