package models

import "time"

type StaffRole string

const (
	RoleAdmin   StaffRole = "admin"
	RoleCashier StaffRole = "cashier"
)

type StaffMember struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Email     string    `json:"email"`
	Role      StaffRole `json:"role"`
	BranchID  string    `json:"branch_id,omitempty"`
	FirstName string    `json:"first_name,omitempty"`
	LastName  string    `json:"last_name,omitempty"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}
