// Package editor implements the collaborative editing session around a
// workflow graph.
//
// Every mutation is a [Command] made of a forward and an inverse [Op]. Ops
// address nodes and edges by id and carry the indices needed to restore the
// exact prior document, so undo after N edits yields the graph from N edits
// earlier, byte for byte. Ops are plain data and round-trip through JSON.
//
// A [Store] also holds the preview overlay used for suggested subgraphs:
//
//	store := editor.New(graph)
//	_ = store.SetPreview(suggestion.Nodes, suggestion.Edges) // Rendered() now shows the suggestion
//	cmd, err := store.CommitPreview()                         // one undoable command
//
// [Store.AutoLayout] arranges nodes in dependency ranks and records the moves
// as one command.
package editor
