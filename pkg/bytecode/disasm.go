package bytecode

import (
	"fmt"
	"strings"
)

// Disassemble renders a CmdFunction as a human-readable listing, one
// instruction per line, with constant pool entries inlined where an operand
// references them. Intended for debugging and golden tests.
func Disassemble(fn *CmdFunction) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "func %s", fn.Name)
	if fn.Owner != "" {
		fmt.Fprintf(&sb, " (owner %s)", fn.Owner)
	}
	fmt.Fprintf(&sb, " params=%d locals=%d scope=%d\n", fn.NumParams, fn.NumLocals, fn.NumScope)

	for idx, cmd := range fn.Cmds {
		fmt.Fprintf(&sb, "  %04d %-15s", idx, cmd.Op.String())
		info := cmd.Op.Info()
		ops := cmd.Operands()
		for i, k := range info.Kinds {
			v := ops[i]
			switch k {
			case KindConst:
				fmt.Fprintf(&sb, " c%d<%s>", v, fn.Consts[v].String())
			case KindIP:
				fmt.Fprintf(&sb, " ->%04d", v)
			case KindSlot:
				if int(v) < len(fn.Locals) && fn.Locals[v].Name != "" {
					fmt.Fprintf(&sb, " s%d(%s)", v, fn.Locals[v].Name)
				} else {
					fmt.Fprintf(&sb, " s%d", v)
				}
			default:
				fmt.Fprintf(&sb, " %d", v)
			}
		}
		sb.WriteByte('\n')
	}

	// Nested functions follow, indented under their parent.
	for _, c := range fn.Consts {
		if c.Kind == ConstFunc {
			nested := Disassemble(c.Fn)
			for _, line := range strings.Split(strings.TrimRight(nested, "\n"), "\n") {
				sb.WriteString("  " + line + "\n")
			}
		}
	}

	return sb.String()
}
