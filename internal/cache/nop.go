package cache

type Nop struct{}

func NewNop() *Nop {
	return &Nop{}
}

func (n *Nop) Get(string) (any, bool)        { return nil, false }
func (n *Nop) Put(string, any, ...PutOption) {}
func (n *Nop) Delete(string)                 {}

var _ Cache = (*Nop)(nil)
