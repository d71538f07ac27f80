package parser

import (
	pg_query "github.com/pganalyze/pg_query_go/v6"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// VisitFunc is called for every message of the tree, Node wrappers and
// the statements they hold alike. Returning false skips the children.
type VisitFunc func(msg proto.Message) bool

// Walk visits msg and every message reachable from it, parents before
// children. The order of siblings held in different fields is unspecified.
func Walk(g *Guard, msg proto.Message, fn VisitFunc) error {
	if msg == nil {
		return nil
	}
	return walkMessage(g, msg.ProtoReflect(), fn)
}

// WalkNodes is Walk over a list of nodes.
func WalkNodes(g *Guard, nodes []*pg_query.Node, fn VisitFunc) error {
	for _, n := range nodes {
		if err := Walk(g, n, fn); err != nil {
			return err
		}
	}
	return nil
}

func walkMessage(g *Guard, m protoreflect.Message, fn VisitFunc) error {
	if !m.IsValid() {
		return nil
	}
	if err := g.Cooperate(); err != nil {
		return err
	}
	if !fn(m.Interface()) {
		return nil
	}
	if err := g.Enter(); err != nil {
		return err
	}
	defer g.Leave()

	var err error
	m.Range(func(fd protoreflect.FieldDescriptor, v protoreflect.Value) bool {
		if fd.Kind() != protoreflect.MessageKind {
			return true
		}
		if fd.IsList() {
			list := v.List()
			for i := 0; i < list.Len(); i++ {
				if err = walkMessage(g, list.Get(i).Message(), fn); err != nil {
					return false
				}
			}
			return true
		}
		if fd.IsMap() {
			return true
		}
		err = walkMessage(g, v.Message(), fn)
		return err == nil
	})
	return err
}
