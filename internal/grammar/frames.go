package grammar

type nodeKind int

const (
	nLit nodeKind = iota
	nSeq
	nString
	nNumber
	nAlt
	nArray
)

type node struct {
	kind    nodeKind
	lit     string
	seq     []*node
	opts    []string
	item    *node
	min     int
	max     int // -1 = unbounded
	intOnly bool
}

func litNode(s string) *node { return &node{kind: nLit, lit: s} }

// pushNode expands a node onto the frame stack. Sequences flatten so
// the stack only ever holds leaf matchers plus array control frames.
func pushNode(n *node, rest *stack) *stack {
	switch n.kind {
	case nLit:
		return &stack{f: litFrame{s: n.lit}, next: rest}
	case nSeq:
		out := rest
		for i := len(n.seq) - 1; i >= 0; i-- {
			out = pushNode(n.seq[i], out)
		}
		return out
	case nString:
		return &stack{f: strFrame{ph: sOpen}, next: rest}
	case nNumber:
		return &stack{f: numFrame{ph: numStart, intOnly: n.intOnly}, next: rest}
	case nAlt:
		return &stack{f: altFrame{opts: n.opts}, next: rest}
	case nArray:
		return &stack{f: arrFrame{n: n, ph: arrOpen}, next: rest}
	}
	return rest
}

func isWS(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// frame is one matcher on the automaton stack. step consumes b and
// returns the replacement stack, or expands without consuming (retry
// b against the returned stack), or rejects.
type frame interface {
	step(b byte, rest *stack) (next *stack, consumed, ok bool)
	canEnd() bool
}

type litFrame struct {
	s string
	i int
}

func (f litFrame) step(b byte, rest *stack) (*stack, bool, bool) {
	if f.i == 0 && isWS(b) {
		return &stack{f: f, next: rest}, true, true
	}
	if b != f.s[f.i] {
		return nil, false, false
	}
	if f.i+1 == len(f.s) {
		return rest, true, true
	}
	return &stack{f: litFrame{s: f.s, i: f.i + 1}, next: rest}, true, true
}

func (f litFrame) canEnd() bool { return false }

const (
	sOpen = iota
	sBody
	sEsc
	sHex
)

type strFrame struct {
	ph  int
	hex int
}

func (f strFrame) step(b byte, rest *stack) (*stack, bool, bool) {
	switch f.ph {
	case sOpen:
		if isWS(b) {
			return &stack{f: f, next: rest}, true, true
		}
		if b != '"' {
			return nil, false, false
		}
		return &stack{f: strFrame{ph: sBody}, next: rest}, true, true
	case sBody:
		switch {
		case b == '"':
			return rest, true, true
		case b == '\\':
			return &stack{f: strFrame{ph: sEsc}, next: rest}, true, true
		case b < 0x20:
			return nil, false, false
		}
		return &stack{f: f, next: rest}, true, true
	case sEsc:
		switch b {
		case '"', '\\', '/', 'b', 'f', 'n', 'r', 't':
			return &stack{f: strFrame{ph: sBody}, next: rest}, true, true
		case 'u':
			return &stack{f: strFrame{ph: sHex, hex: 4}, next: rest}, true, true
		}
		return nil, false, false
	case sHex:
		if !isHexDigit(b) {
			return nil, false, false
		}
		if f.hex == 1 {
			return &stack{f: strFrame{ph: sBody}, next: rest}, true, true
		}
		return &stack{f: strFrame{ph: sHex, hex: f.hex - 1}, next: rest}, true, true
	}
	return nil, false, false
}

func (f strFrame) canEnd() bool { return false }

func isHexDigit(b byte) bool {
	return b >= '0' && b <= '9' || b >= 'a' && b <= 'f' || b >= 'A' && b <= 'F'
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

const (
	numStart = iota
	numNeg
	numZero
	numInt
	numDot
	numFrac
	numExp
	numExpSign
	numExpDig
)

// numFrame follows the JSON number grammar. It is the only frame that
// can end without a terminator byte, so digits run until a byte for
// the frame below arrives.
type numFrame struct {
	ph      int
	intOnly bool
}

func (f numFrame) next(ph int, rest *stack) (*stack, bool, bool) {
	return &stack{f: numFrame{ph: ph, intOnly: f.intOnly}, next: rest}, true, true
}

func (f numFrame) step(b byte, rest *stack) (*stack, bool, bool) {
	switch f.ph {
	case numStart:
		if isWS(b) {
			return &stack{f: f, next: rest}, true, true
		}
		if b == '-' {
			return f.next(numNeg, rest)
		}
		fallthrough
	case numNeg:
		if b == '0' {
			return f.next(numZero, rest)
		}
		if isDigit(b) {
			return f.next(numInt, rest)
		}
	case numZero, numInt:
		if f.ph == numInt && isDigit(b) {
			return f.next(numInt, rest)
		}
		if f.intOnly {
			break
		}
		if b == '.' {
			return f.next(numDot, rest)
		}
		if b == 'e' || b == 'E' {
			return f.next(numExp, rest)
		}
	case numDot, numFrac:
		if isDigit(b) {
			return f.next(numFrac, rest)
		}
		if f.ph == numFrac && (b == 'e' || b == 'E') {
			return f.next(numExp, rest)
		}
	case numExp:
		if b == '+' || b == '-' {
			return f.next(numExpSign, rest)
		}
		fallthrough
	case numExpSign, numExpDig:
		if isDigit(b) {
			return f.next(numExpDig, rest)
		}
	}
	return nil, false, false
}

func (f numFrame) canEnd() bool {
	switch f.ph {
	case numZero, numInt, numFrac, numExpDig:
		return true
	}
	return false
}

// altFrame matches exactly one of a set of literal alternatives.
// Options must be prefix-free, which quoted JSON strings and the
// true/false pair are.
type altFrame struct {
	opts  []string
	pos   int
	alive []int // indices of surviving options; nil = all
}

func (f altFrame) step(b byte, rest *stack) (*stack, bool, bool) {
	if f.pos == 0 && isWS(b) {
		return &stack{f: f, next: rest}, true, true
	}
	var survivors []int
	check := func(i int) {
		opt := f.opts[i]
		if f.pos < len(opt) && opt[f.pos] == b {
			survivors = append(survivors, i)
		}
	}
	if f.alive == nil {
		for i := range f.opts {
			check(i)
		}
	} else {
		for _, i := range f.alive {
			check(i)
		}
	}
	if len(survivors) == 0 {
		return nil, false, false
	}
	for _, i := range survivors {
		if f.pos+1 == len(f.opts[i]) {
			return rest, true, true
		}
	}
	return &stack{f: altFrame{opts: f.opts, pos: f.pos + 1, alive: survivors}, next: rest}, true, true
}

func (f altFrame) canEnd() bool { return false }

const (
	arrOpen = iota
	arrFirst
	arrDelim
)

// arrFrame drives [ item (, item)* ] with the configured bounds. It
// sits beneath the in-flight item's frames and surfaces again between
// elements.
type arrFrame struct {
	n     *node
	ph    int
	count int // items completed or in flight
}

func (f arrFrame) step(b byte, rest *stack) (*stack, bool, bool) {
	switch f.ph {
	case arrOpen:
		if isWS(b) {
			return &stack{f: f, next: rest}, true, true
		}
		if b != '[' {
			return nil, false, false
		}
		return &stack{f: arrFrame{n: f.n, ph: arrFirst}, next: rest}, true, true
	case arrFirst:
		if isWS(b) {
			return &stack{f: f, next: rest}, true, true
		}
		if b == ']' {
			if f.n.min > 0 {
				return nil, false, false
			}
			return rest, true, true
		}
		if f.n.max == 0 {
			return nil, false, false
		}
		// Not the close: expand the first item and retry the byte.
		below := &stack{f: arrFrame{n: f.n, ph: arrDelim, count: 1}, next: rest}
		return pushNode(f.n.item, below), false, true
	case arrDelim:
		if isWS(b) {
			return &stack{f: f, next: rest}, true, true
		}
		if b == ']' {
			if f.count < f.n.min {
				return nil, false, false
			}
			return rest, true, true
		}
		if b == ',' {
			if f.n.max >= 0 && f.count >= f.n.max {
				return nil, false, false
			}
			below := &stack{f: arrFrame{n: f.n, ph: arrDelim, count: f.count + 1}, next: rest}
			return pushNode(f.n.item, below), true, true
		}
	}
	return nil, false, false
}

func (f arrFrame) canEnd() bool { return false }
