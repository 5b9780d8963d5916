package directory

import "errors"

var (
	ErrNotFound     = errors.New("directory: not found")
	ErrConflict     = errors.New("directory: resource conflict")
	ErrInvalidInput = errors.New("directory: invalid input")
	ErrRoleInUse    = errors.New("directory: role held by active members")
	ErrBuiltinRole  = errors.New("directory: builtin roles are immutable")
	ErrSoleOwner    = errors.New("directory: cannot remove the sole owner")
	ErrOrgDeleted   = errors.New("directory: organization is deleted")
	ErrMemberLimit  = errors.New("directory: member limit reached")
)
