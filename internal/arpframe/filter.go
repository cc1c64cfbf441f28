package arpframe

import "golang.org/x/net/bpf"

const (
	EtherType = 0x0806

	OpRequest uint16 = 1
	OpReply   uint16 = 2
)

// Filter builds a classic BPF program that keeps untagged ARP frames,
// truncated to snapLen. With op != 0 only that ARP operation passes.
// Runs kernel side so the read loop never sees other traffic.
func Filter(snapLen int, op uint16) []bpf.Instruction {
	keep := bpf.RetConstant{Val: uint32(snapLen)}
	drop := bpf.RetConstant{Val: 0}

	if op == 0 {
		return []bpf.Instruction{
			bpf.LoadAbsolute{Off: 12, Size: 2},
			bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: EtherType, SkipTrue: 1},
			keep,
			drop,
		}
	}

	// Header Eth (14) + ARP OpCode offset (6) = byte 20.
	return []bpf.Instruction{
		bpf.LoadAbsolute{Off: 12, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: EtherType, SkipTrue: 3},
		bpf.LoadAbsolute{Off: 20, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: uint32(op), SkipTrue: 1},
		keep,
		drop,
	}
}
