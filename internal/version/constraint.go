package version

import "fmt"

// Op is a version comparison operator as it appears in dependency
// constraints and the repository index wire format.
type Op string

const (
	OpEQ Op = "="
	OpNE Op = "!="
	OpLT Op = "<"
	OpLE Op = "<="
	OpGT Op = ">"
	OpGE Op = ">="
)

// ParseOp validates an operator string from the wire.
func ParseOp(s string) (Op, error) {
	switch Op(s) {
	case OpEQ, OpNE, OpLT, OpLE, OpGT, OpGE:
		return Op(s), nil
	}
	return "", fmt.Errorf("%w: unknown operator %q", ErrParse, s)
}

// Satisfies reports whether v satisfies the constraint (op, bound).
func (v Version) Satisfies(op Op, bound Version) bool {
	c := v.Compare(bound)
	switch op {
	case OpEQ:
		return c == 0
	case OpNE:
		return c != 0
	case OpLT:
		return c < 0
	case OpLE:
		return c <= 0
	case OpGT:
		return c > 0
	case OpGE:
		return c >= 0
	}
	return false
}
