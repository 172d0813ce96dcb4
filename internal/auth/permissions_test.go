package auth

import "testing"

func TestHasPermission(t *testing.T) {
	tests := []struct {
		role Role
		perm Permission
		want bool
	}{
		{RoleViewer, PermDeviceRead, true},
		{RoleViewer, PermEventsWatch, true},
		{RoleViewer, PermDeviceSend, false},
		{RoleViewer, PermDeviceControl, false},
		{RoleOperator, PermDeviceSend, true},
		{RoleOperator, PermDeviceControl, false},
		{RoleAdmin, PermDeviceControl, true},
		{Role("unknown"), PermDeviceRead, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.role)+"/"+string(tt.perm), func(t *testing.T) {
			if got := HasPermission(tt.role, tt.perm); got != tt.want {
				t.Errorf("HasPermission(%q, %q) = %v, want %v", tt.role, tt.perm, got, tt.want)
			}
		})
	}
}

func TestPermissionsForRole(t *testing.T) {
	perms := PermissionsForRole(RoleAdmin)
	if len(perms) != 4 {
		t.Fatalf("admin permissions = %v", perms)
	}
	perms[0] = "mutated"
	if PermissionsForRole(RoleAdmin)[0] == "mutated" {
		t.Error("PermissionsForRole returned the shared slice")
	}
	if PermissionsForRole(Role("nobody")) != nil {
		t.Error("unknown role should have no permissions")
	}
}

func TestParseRole(t *testing.T) {
	tests := []struct {
		in      string
		want    Role
		wantErr bool
	}{
		{"viewer", RoleViewer, false},
		{" Operator ", RoleOperator, false},
		{"ADMIN", RoleAdmin, false},
		{"owner", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRole(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseRole(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseRole(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
