package recovery

import "strconv"

// Identity names one logical connection: the remote node plus the
// connection index. Every index has its own sequence-number domain.
type Identity struct {
	Node    string
	ConnIdx int
}

// String renders the identity as "node/idx".
func (id Identity) String() string {
	return id.Node + "/" + strconv.Itoa(id.ConnIdx)
}
