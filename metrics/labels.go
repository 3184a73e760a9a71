package metrics

import "strconv"

func opcodeLabel(opcode byte) string {
	return "0x" + strconv.FormatUint(uint64(opcode), 16)
}

func leafLabel(leaf int) string {
	return strconv.Itoa(leaf)
}
