package uevent

import (
	"fmt"
	"syscall"

	"golang.org/x/net/bpf"
)

// MaxInstructions bounds the filter program, as udevd does.
const MaxInstructions = 512

const (
	accept = 0xffffffff
	drop   = 0
)

// Match selects events by subsystem and, optionally, devtype.
type Match struct {
	Subsystem string
	Devtype   string
}

// Filter is the set of kernel side match rules of a monitor. Matches are
// ORed together, tags are ORed together, and the two groups are ANDed.
type Filter struct {
	Matches []Match
	Tags    []string
}

// Empty reports whether the filter lets every event through.
func (f Filter) Empty() bool {
	return len(f.Matches) == 0 && len(f.Tags) == 0
}

// Program builds the classic BPF program attached to the socket. Datagrams
// without the udevd magic always pass, so kernel group sockets rely on
// Accepts instead. An empty filter yields a nil program.
func (f *Filter) Program() ([]bpf.Instruction, error) {
	if f.Empty() {
		return nil, nil
	}

	prog := []bpf.Instruction{
		bpf.LoadAbsolute{Off: offMagic, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: Magic, SkipTrue: 1},
		bpf.RetConstant{Val: accept},
	}

	if len(f.Tags) > 0 {
		for i, tag := range f.Tags {
			bits := Bloom(tag)
			hi, lo := uint32(bits>>32), uint32(bits)
			// skip the trailing drop and every remaining tag block
			skip := 1 + (len(f.Tags)-1-i)*6
			if skip > 0xff {
				return nil, fmt.Errorf("uevent: too many tag filters: %w", syscall.E2BIG)
			}
			prog = append(prog,
				bpf.LoadAbsolute{Off: offTagBloomHi, Size: 4},
				bpf.ALUOpConstant{Op: bpf.ALUOpAnd, Val: hi},
				bpf.JumpIf{Cond: bpf.JumpEqual, Val: hi, SkipFalse: 3},
				bpf.LoadAbsolute{Off: offTagBloomLo, Size: 4},
				bpf.ALUOpConstant{Op: bpf.ALUOpAnd, Val: lo},
				bpf.JumpIf{Cond: bpf.JumpEqual, Val: lo, SkipTrue: uint8(skip)},
			)
		}
		prog = append(prog, bpf.RetConstant{Val: drop})
	}

	if len(f.Matches) > 0 {
		for _, m := range f.Matches {
			prog = append(prog, bpf.LoadAbsolute{Off: offSubsystemHash, Size: 4})
			if m.Devtype == "" {
				prog = append(prog, bpf.JumpIf{Cond: bpf.JumpEqual, Val: Hash(m.Subsystem), SkipFalse: 1})
			} else {
				prog = append(prog,
					bpf.JumpIf{Cond: bpf.JumpEqual, Val: Hash(m.Subsystem), SkipFalse: 3},
					bpf.LoadAbsolute{Off: offDevtypeHash, Size: 4},
					bpf.JumpIf{Cond: bpf.JumpEqual, Val: Hash(m.Devtype), SkipFalse: 1},
				)
			}
			prog = append(prog, bpf.RetConstant{Val: accept})
		}
		prog = append(prog, bpf.RetConstant{Val: drop})
	}

	prog = append(prog, bpf.RetConstant{Val: accept})

	if len(prog) > MaxInstructions {
		return nil, fmt.Errorf("uevent: filter needs %d instructions: %w", len(prog), syscall.E2BIG)
	}
	return prog, nil
}

// Accepts re-checks decoded properties against the filter. The kernel
// side program compares hashes only, and kernel group datagrams bypass it.
func (f *Filter) Accepts(props map[string]string) bool {
	if len(f.Matches) > 0 {
		subsystem := props["SUBSYSTEM"]
		devtype, hasDevtype := props["DEVTYPE"]
		matched := false
		for _, m := range f.Matches {
			if m.Subsystem != subsystem {
				continue
			}
			if m.Devtype == "" || (hasDevtype && m.Devtype == devtype) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if len(f.Tags) == 0 {
		return true
	}
	tags := SplitTags(props["TAGS"])
	for _, want := range f.Tags {
		for _, tag := range tags {
			if tag == want {
				return true
			}
		}
	}
	return false
}
