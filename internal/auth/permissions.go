package auth

const (
	PermUsersRead         = "users.read"
	PermUsersWrite        = "users.write"
	PermUsersDelete       = "users.delete"
	PermPermissionsManage = "permissions.manage"
)

// BuiltinPermissions are seeded into the catalog on first start.
var BuiltinPermissions = []PermissionEntry{
	{Key: PermUsersRead, Label: "Read users", Description: "List and inspect accounts"},
	{Key: PermUsersWrite, Label: "Edit users", Description: "Change account details and roles"},
	{Key: PermUsersDelete, Label: "Delete users", Description: "Delete accounts and revoke their sessions"},
	{Key: PermPermissionsManage, Label: "Manage permissions", Description: "Edit the permission catalog and grants"},
}
