package aggregate

import (
	"reflect"
	"testing"
	"time"

	"github.com/streamtimeline/backend/internal/models"
)

func TestMerge(t *testing.T) {
	recorded := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		totals    []GameTotal
		baselines []models.GameBaseline
		want      []models.GameAggregate
	}{
		{
			name:   "segments only",
			totals: []GameTotal{{Game: "Chess", DurationSeconds: 600}, {Game: "Poker", DurationSeconds: 1200}},
			want: []models.GameAggregate{
				{Game: "Poker", DurationSeconds: 1200},
				{Game: "Chess", DurationSeconds: 600},
			},
		},
		{
			name:      "baseline only, hours converted to seconds",
			baselines: []models.GameBaseline{{Game: "Chess", Hours: 1.5, RecordedAt: recorded}},
			want:      []models.GameAggregate{{Game: "Chess", DurationSeconds: 5400}},
		},
		{
			name:      "segments add on top of baseline, never replace it",
			totals:    []GameTotal{{Game: "Chess", DurationSeconds: 600}},
			baselines: []models.GameBaseline{{Game: "Chess", Hours: 2, RecordedAt: recorded}},
			want:      []models.GameAggregate{{Game: "Chess", DurationSeconds: 7800}},
		},
		{
			name:      "case-insensitive key, baseline spelling wins",
			totals:    []GameTotal{{Game: "just chatting", DurationSeconds: 100}, {Game: "JUST CHATTING", DurationSeconds: 50}},
			baselines: []models.GameBaseline{{Game: "Just Chatting", Hours: 0, RecordedAt: recorded}},
			want:      []models.GameAggregate{{Game: "Just Chatting", DurationSeconds: 150}},
		},
		{
			name: "ties break by name ascending",
			totals: []GameTotal{
				{Game: "Beta", DurationSeconds: 100},
				{Game: "Alpha", DurationSeconds: 100},
				{Game: "Gamma", DurationSeconds: 200},
			},
			want: []models.GameAggregate{
				{Game: "Gamma", DurationSeconds: 200},
				{Game: "Alpha", DurationSeconds: 100},
				{Game: "Beta", DurationSeconds: 100},
			},
		},
		{
			name: "empty input",
			want: []models.GameAggregate{},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Merge(tc.totals, tc.baselines)
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("Merge() = %+v, want %+v", got, tc.want)
			}
		})
	}
}
