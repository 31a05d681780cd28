package db

import "database/sql"

// Treenode represents a row in the treenode table
type Treenode struct {
	ID         int64           `db:"id" json:"id"`
	ProjectID  int64           `db:"project_id" json:"project_id"`
	UserID     int64           `db:"user_id" json:"user_id"`
	EditorID   int64           `db:"editor_id" json:"editor_id"`
	X          float64         `db:"location_x" json:"x"`
	Y          float64         `db:"location_y" json:"y"`
	Z          float64         `db:"location_z" json:"z"`
	Radius     sql.NullFloat64 `db:"radius" json:"-"`
	Confidence int             `db:"confidence" json:"confidence"` // 1..5
	ParentID   *int64          `db:"parent_id" json:"parent_id"`
	SkeletonID int64           `db:"skeleton_id" json:"skeleton_id"`
	CreatedAt  int64           `db:"creation_time" json:"created_at"` // Unix millis
	EditedAt   int64           `db:"edition_time" json:"edited_at"`   // Unix millis
}

// Connector represents a row in the connector table
type Connector struct {
	ID         int64   `db:"id" json:"id"`
	ProjectID  int64   `db:"project_id" json:"project_id"`
	UserID     int64   `db:"user_id" json:"user_id"`
	X          float64 `db:"location_x" json:"x"`
	Y          float64 `db:"location_y" json:"y"`
	Z          float64 `db:"location_z" json:"z"`
	Confidence int     `db:"confidence" json:"confidence"`
	CreatedAt  int64   `db:"creation_time" json:"created_at"`
}

// TreenodeConnector links a treenode to a connector through a relation
type TreenodeConnector struct {
	ID          int64 `db:"id" json:"id"`
	ProjectID   int64 `db:"project_id" json:"project_id"`
	UserID      int64 `db:"user_id" json:"user_id"`
	RelationID  int64 `db:"relation_id" json:"relation_id"`
	TreenodeID  int64 `db:"treenode_id" json:"treenode_id"`
	ConnectorID int64 `db:"connector_id" json:"connector_id"`
	SkeletonID  int64 `db:"skeleton_id" json:"skeleton_id"`
	Confidence  int   `db:"confidence" json:"confidence"`
}

// ClassInstance represents a row in the class_instance table
type ClassInstance struct {
	ID        int64  `db:"id" json:"id"`
	ProjectID int64  `db:"project_id" json:"project_id"`
	UserID    int64  `db:"user_id" json:"user_id"`
	ClassID   int64  `db:"class_id" json:"class_id"`
	Name      string `db:"name" json:"name"`
	CreatedAt int64  `db:"creation_time" json:"created_at"`
	EditedAt  int64  `db:"edition_time" json:"edited_at"`
}

// Link represents a row in class_instance_class_instance: A --relation--> B
type Link struct {
	ID         int64 `db:"id" json:"id"`
	ProjectID  int64 `db:"project_id" json:"project_id"`
	UserID     int64 `db:"user_id" json:"user_id"`
	RelationID int64 `db:"relation_id" json:"relation_id"`
	A          int64 `db:"class_instance_a" json:"a"`
	B          int64 `db:"class_instance_b" json:"b"`
	CreatedAt  int64 `db:"creation_time" json:"created_at"`
}

// Review records that a reviewer looked at a treenode
type Review struct {
	ID         int64 `db:"id" json:"id"`
	ProjectID  int64 `db:"project_id" json:"project_id"`
	ReviewerID int64 `db:"reviewer_id" json:"reviewer_id"`
	ReviewTime int64 `db:"review_time" json:"review_time"`
	SkeletonID int64 `db:"skeleton_id" json:"skeleton_id"`
	TreenodeID int64 `db:"treenode_id" json:"treenode_id"`
}

// User represents a row in auth_user
type User struct {
	ID          int64  `db:"id" json:"id"`
	Username    string `db:"username" json:"username"`
	IsSuperuser bool   `db:"is_superuser" json:"is_superuser"`
}

// LogEntry is one row of the operation log
type LogEntry struct {
	ProjectID int64
	UserID    int64
	Operation string // "split_skeleton", "join_skeleton", ...
	X, Y, Z   float64
	Freetext  string
}
