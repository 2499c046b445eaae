package importer

import "testing"

func TestResolveColumn(t *testing.T) {
	header := []string{"Order ID", "Tracking No", "2"}

	tests := []struct {
		name    string
		sel     string
		want    int
		wantErr bool
	}{
		{"exact name", "Order ID", 0, false},
		{"case insensitive", "tracking no", 1, false},
		{"padded selection", "  Order ID  ", 0, false},
		{"numeric index", "1", 1, false},
		{"name wins over index", "2", 2, false},
		{"index out of range", "7", 0, true},
		{"negative index", "-1", 0, true},
		{"unknown name", "nope", 0, true},
		{"empty selection", "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveColumn(header, tt.sel)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ResolveColumn(%q) = %d, want error", tt.sel, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveColumn(%q): %v", tt.sel, err)
			}
			if got != tt.want {
				t.Errorf("ResolveColumn(%q) = %d, want %d", tt.sel, got, tt.want)
			}
		})
	}
}

func TestCellAt(t *testing.T) {
	row := []string{" O1 ", "T1"}

	if got := cellAt(row, 0); got != "O1" {
		t.Errorf("cellAt 0 = %q, want trimmed O1", got)
	}
	if got := cellAt(row, 5); got != "" {
		t.Errorf("cellAt past end = %q, want empty", got)
	}
}
