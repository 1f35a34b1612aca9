package mapping

import (
	"testing"

	pairtypes "github.com/openparcel/parcelsync/modules/syncpair/domain/types"
)

func TestCoerce(t *testing.T) {
	cases := []struct {
		name    string
		value   any
		dt      pairtypes.DataType
		want    any
		wantErr bool
	}{
		{"nil passes through", nil, pairtypes.DataTypeInteger, nil, false},

		{"string identity", "100 Main St", pairtypes.DataTypeString, "100 Main St", false},
		{"int to string", int64(42), pairtypes.DataTypeString, "42", false},
		{"float to string", 4.25, pairtypes.DataTypeString, "4.25", false},
		{"bool to string", true, pairtypes.DataTypeString, "true", false},
		{"map to string fails", map[string]any{}, pairtypes.DataTypeString, nil, true},

		{"int identity", int64(7), pairtypes.DataTypeInteger, int64(7), false},
		{"int from int", 7, pairtypes.DataTypeInteger, int64(7), false},
		{"integral float to int", 7.0, pairtypes.DataTypeInteger, int64(7), false},
		{"fractional float to int fails", 7.5, pairtypes.DataTypeInteger, nil, true},
		{"string to int", " 12 ", pairtypes.DataTypeInteger, int64(12), false},
		{"bad string to int fails", "twelve", pairtypes.DataTypeInteger, nil, true},
		{"bool to int fails", true, pairtypes.DataTypeInteger, nil, true},

		{"float identity", 2.5, pairtypes.DataTypeFloat, 2.5, false},
		{"int to float", int64(3), pairtypes.DataTypeFloat, 3.0, false},
		{"string to float", "2.75", pairtypes.DataTypeFloat, 2.75, false},
		{"bad string to float fails", "x", pairtypes.DataTypeFloat, nil, true},

		{"bool identity", false, pairtypes.DataTypeBoolean, false, false},
		{"string yes", "Yes", pairtypes.DataTypeBoolean, true, false},
		{"string zero", "0", pairtypes.DataTypeBoolean, false, false},
		{"int one", int64(1), pairtypes.DataTypeBoolean, true, false},
		{"int two fails", int64(2), pairtypes.DataTypeBoolean, nil, true},
		{"bad string bool fails", "maybe", pairtypes.DataTypeBoolean, nil, true},

		{"iso date", "2024-02-28", pairtypes.DataTypeDate, "2024-02-28", false},
		{"rfc3339 date", "2024-02-28T10:30:00Z", pairtypes.DataTypeDate, "2024-02-28", false},
		{"us date", "02/28/2024", pairtypes.DataTypeDate, "2024-02-28", false},
		{"bad date fails", "2024-13-99", pairtypes.DataTypeDate, nil, true},
		{"number to date fails", 20240228, pairtypes.DataTypeDate, nil, true},

		{"unknown type fails", "x", pairtypes.DataType("decimal"), nil, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Coerce(tc.value, tc.dt)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("err=%v", err)
			}
			if got != tc.want {
				t.Fatalf("got=%v (%T) want %v (%T)", got, got, tc.want, tc.want)
			}
		})
	}
}
