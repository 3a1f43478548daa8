// Package nsync holds the namespace identifier shared by every synchronization
// component: a (database, collection) pair, equal by value.
package nsync

import "fmt"

// Namespace identifies a logical MongoDB collection being synchronized.
type Namespace struct {
	Database   string
	Collection string
}

// String renders the namespace as "database.collection", the same form used
// to derive the config/undo collection names.
func (n Namespace) String() string {
	return fmt.Sprintf("%s.%s", n.Database, n.Collection)
}

// UndoCollectionName returns the name of the per-namespace undo journal
// collection: sync_undo_<db>.<coll>.
func (n Namespace) UndoCollectionName() string {
	return fmt.Sprintf("sync_undo_%s.%s", n.Database, n.Collection)
}

// UserCollectionName returns the name of the local, CRUD-facing collection:
// sync_user_<db>.<coll>.
func (n Namespace) UserCollectionName() string {
	return fmt.Sprintf("sync_user_%s.%s", n.Database, n.Collection)
}
