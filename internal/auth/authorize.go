package auth

// CheckRole reports whether the identity's role is one of allowed. Roles are
// compared by membership only; there is no hierarchy.
func CheckRole(id Identity, allowed ...Role) bool {
	for _, r := range allowed {
		if id.Role == r {
			return true
		}
	}
	return false
}

// CheckPermissions reports whether the identity holds every required key.
// An empty requirement always passes.
func CheckPermissions(id Identity, required ...string) bool {
	for _, key := range required {
		if _, ok := id.Permissions[key]; !ok {
			return false
		}
	}
	return true
}

// RequireRole is CheckRole returning ErrRoleDenied on failure.
func RequireRole(id Identity, allowed ...Role) error {
	if !CheckRole(id, allowed...) {
		return ErrRoleDenied
	}
	return nil
}

// RequirePermissions is CheckPermissions returning ErrPermissionDenied on failure.
func RequirePermissions(id Identity, required ...string) error {
	if !CheckPermissions(id, required...) {
		return ErrPermissionDenied
	}
	return nil
}

// HasPermission reports whether the identity holds key.
func (i Identity) HasPermission(key string) bool {
	_, ok := i.Permissions[key]
	return ok
}
