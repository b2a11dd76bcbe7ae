package message

import "fmt"

// ServiceName identifies one remote operation. It is comparable, so it can be
// used directly as a map key; equality covers all three fields.
//
// Signature must disambiguate overloads: it is the method name followed by the
// ordered parameter types, e.g. "Add(int,int)".
type ServiceName struct {
	Module    string
	Signature string
	Version   int32
}

func (s ServiceName) String() string {
	return fmt.Sprintf("%s/%s/%d", s.Module, s.Signature, s.Version)
}
