package main

import (
	"reflect"
	"testing"
)

func TestSplitVehicles(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"empty", "", nil},
		{"single", "veh-1", []string{"veh-1"}},
		{"multiple", "veh-1,veh-2,veh-3", []string{"veh-1", "veh-2", "veh-3"}},
		{"whitespace", " veh-1 , veh-2 ", []string{"veh-1", "veh-2"}},
		{"trailing_comma", "veh-1,", []string{"veh-1"}},
		{"only_commas", ",,,", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitVehicles(tt.input)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("splitVehicles(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
