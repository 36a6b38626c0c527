package models

import "time"

// Prediction is a forecast that a metric will breach its threshold.
type Prediction struct {
	ID              string    `json:"id"`
	Type            string    `json:"type"`
	Issue           string    `json:"issue"`
	Metric          string    `json:"metric"`
	Current         float64   `json:"current"`
	Threshold       float64   `json:"threshold"`
	GrowthPerSec    float64   `json:"growthPerSec"`
	PredictedTime   time.Time `json:"predictedTime"`
	Confidence      float64   `json:"confidence"`
	Severity        Severity  `json:"severity"`
	ProactiveAction string    `json:"proactiveAction,omitempty"`
	DataPoints      int       `json:"dataPoints"`
	ActionTaken     bool      `json:"actionTaken"`
	Outcome         string    `json:"outcome,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Prediction outcomes. Empty means the forecast is still standing.
const (
	PredictionSuperseded = "superseded"
	PredictionExpired    = "expired"
)
