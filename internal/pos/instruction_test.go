package pos_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/posvoice/internal/pos"
)

func TestInstruction(t *testing.T) {
	t.Parallel()

	tests := []struct {
		role     pos.Role
		wantMode string
	}{
		{role: pos.RoleStaff, wantMode: "STORE MANAGER"},
		{role: pos.RoleCustomer, wantMode: "The user is a CUSTOMER."},
	}
	for _, tc := range tests {
		t.Run(string(tc.role), func(t *testing.T) {
			t.Parallel()
			got, err := pos.Instruction("Minh Phát", tc.role, pos.DefaultInventory()[3:4], "  Free case with every phone.\n")
			if err != nil {
				t.Fatalf("Instruction: %v", err)
			}
			for _, want := range []string{
				`"Minh Phát"`,
				tc.wantMode,
				`[{"name":"Tai nghe AirPods Pro 2","qty":15,"price":5990000}]`,
				"PROMOTIONS AND STORE INFORMATION: Free case with every phone.",
			} {
				if !strings.Contains(got, want) {
					t.Errorf("instruction missing %q:\n%s", want, got)
				}
			}
		})
	}
}
