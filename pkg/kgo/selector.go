package kgo

// selectorKind is the closed four-variant enum spec.md §4.2 and §9
// call for: a tagged union kept monomorphic on purpose rather than an
// open NodeSelector interface, so the Worker can exhaustively switch
// over it instead of performing virtual dispatch per Call.
type selectorKind uint8

const (
	selLeastLoaded selectorKind = iota
	selController
	selConstantID
	selMetadataBootstrap
)

// NodeSelector picks a destination node for a Call. It is a pure
// function of cluster metadata, current load, and the clock; it never
// mutates anything but may ask the MetadataManager to expedite a
// refresh when it cannot resolve a node.
type NodeSelector struct {
	kind selectorKind
	id   int32 // only meaningful for selConstantID
}

// LeastLoaded returns the node with the fewest in-flight requests, or
// nothing (and a refresh request) if metadata is not yet ready.
func LeastLoaded() NodeSelector { return NodeSelector{kind: selLeastLoaded} }

// Controller returns the current controller node, or nothing (and a
// refresh request) if metadata is not ready or no controller is known.
func Controller() NodeSelector { return NodeSelector{kind: selController} }

// ConstantID returns the node with the given id, or nothing (and a
// refresh request) if that id is not in the current metadata.
func ConstantID(id int32) NodeSelector { return NodeSelector{kind: selConstantID, id: id} }

// metadataBootstrap returns the least-loaded node unconditionally. It
// is not exported: spec.md §4.2 reserves it exclusively for the
// internal metadata refresh Call, which must be dispatchable before
// metadata is considered "ready".
func metadataBootstrap() NodeSelector { return NodeSelector{kind: selMetadataBootstrap} }

// choose implements the four variants. A (Node{}, false, nil) return means "stay
// pending, try again later" and is not an error: spec.md §4.2 says
// this does not count against the Call's retry budget.
func (s NodeSelector) choose(meta MetadataManager, nc NetworkClient, nowMs int64) (Node, bool, error) {
	switch s.kind {
	case selLeastLoaded:
		if !meta.IsReady() {
			meta.RequestRefresh()
			return Node{}, false, nil
		}
		return s.leastLoaded(meta, nc)

	case selController:
		if !meta.IsReady() {
			meta.RequestRefresh()
			return Node{}, false, nil
		}
		n, ok := meta.Controller()
		if !ok {
			meta.RequestRefresh()
			return Node{}, false, nil
		}
		return n, true, nil

	case selConstantID:
		if !meta.IsReady() {
			meta.RequestRefresh()
			return Node{}, false, nil
		}
		n, ok := meta.NodeByID(s.id)
		if !ok {
			meta.RequestRefresh()
			return Node{}, false, nil
		}
		return n, true, nil

	case selMetadataBootstrap:
		return s.leastLoaded(meta, nc)

	default:
		return Node{}, false, &InternalError{Op: "node selection", Cause: errUnknownSelector}
	}
}

func (s NodeSelector) leastLoaded(meta MetadataManager, nc NetworkClient) (Node, bool, error) {
	n, ok := nc.LeastLoadedNode()
	if ok {
		return n, true, nil
	}
	// The NetworkClient has no seed/known node ready yet; nudge
	// metadata so a refresh eventually introduces one.
	meta.RequestRefresh()
	return Node{}, false, nil
}
