package engine

import (
	"strings"
	"testing"

	"github.com/attestia/stageflow/model"
)

func TestDecodeHistoryDetail(t *testing.T) {
	e := model.HistoryEntry{ID: "hist-1"}
	gates := []byte(`[{"type":"approval_recorded","passed":false,"blocking":true,"detail":"no supervisor approval"}]`)
	dispatches := []byte(`[{"type":"notify","outcome":"success"}]`)

	if err := decodeHistoryDetail(&e, gates, nil, dispatches); err != nil {
		t.Fatalf("decodeHistoryDetail: %v", err)
	}
	if len(e.Gates) != 1 || e.Gates[0].Type != model.GateApprovalRecorded || e.Gates[0].Passed {
		t.Errorf("Gates = %+v", e.Gates)
	}
	if len(e.Conditions) != 0 {
		t.Errorf("Conditions = %+v, want none for nil column", e.Conditions)
	}
	if len(e.Dispatches) != 1 || e.Dispatches[0].Outcome != model.DispatchSuccess {
		t.Errorf("Dispatches = %+v", e.Dispatches)
	}
}

func TestDecodeHistoryDetail_corruptColumn(t *testing.T) {
	cases := []struct {
		name                          string
		gates, conditions, dispatches []byte
	}{
		{name: "gates", gates: []byte(`{broken`)},
		{name: "conditions", conditions: []byte(`"not an array"`)},
		{name: "dispatches", dispatches: []byte(`[{"type":`)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := model.HistoryEntry{ID: "hist-corrupt"}
			err := decodeHistoryDetail(&e, tc.gates, tc.conditions, tc.dispatches)
			if err == nil {
				t.Fatalf("expected decode error for corrupt %s column", tc.name)
			}
			if !strings.Contains(err.Error(), "hist-corrupt") {
				t.Errorf("error %q should name the entry", err)
			}
		})
	}
}
