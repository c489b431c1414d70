package domain

import (
	"fmt"
	"strings"
)

// LabelKind selects the physical label layout and the catalog a code is looked up in.
type LabelKind string

const (
	LabelFlower     LabelKind = "flower"     // flower-shop item tag
	LabelPerishable LabelKind = "perishable" // perishable item with nutrition table
)

// LabelKinds lists every supported kind in display order.
var LabelKinds = []LabelKind{LabelFlower, LabelPerishable}

// ParseLabelKind accepts the canonical names and the legacy ones still found in
// printers.csv files written by older installs.
func ParseLabelKind(s string) (LabelKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "flower", "floricultura":
		return LabelFlower, nil
	case "perishable", "flv":
		return LabelPerishable, nil
	}
	return "", fmt.Errorf("unknown label kind %q", s)
}

// Title is the human readable name used by the UI.
func (k LabelKind) Title() string {
	switch k {
	case LabelFlower:
		return "Flower"
	case LabelPerishable:
		return "Perishable"
	}
	return string(k)
}

// Product is one catalog row. Both Barcode and ProductCode resolve to the same record.
type Product struct {
	Barcode        string          `json:"barcode"`
	ProductCode    string          `json:"product_code"`
	Description    string          `json:"description"`
	ExpiryDays     *int            `json:"expiry_days,omitempty"`
	NutritionLines []string        `json:"nutrition_lines,omitempty"` // legacy free-text table
	Nutrition      *NutritionFacts `json:"nutrition,omitempty"`
}

// NutritionFacts holds the structured per-serving values of a perishable item.
// A nil field means the value is not informed on the label.
type NutritionFacts struct {
	ServingGrams int      `json:"serving_grams"`
	Kcal         *float64 `json:"kcal,omitempty"`
	Carbs        *float64 `json:"carbs,omitempty"`
	Protein      *float64 `json:"protein,omitempty"`
	TotalFat     *float64 `json:"total_fat,omitempty"`
	SaturatedFat *float64 `json:"saturated_fat,omitempty"`
	TransFat     *float64 `json:"trans_fat,omitempty"`
	Cholesterol  *float64 `json:"cholesterol,omitempty"`
	Fiber        *float64 `json:"fiber,omitempty"`
	Calcium      *float64 `json:"calcium,omitempty"`
	Iron         *float64 `json:"iron,omitempty"`
	SodiumMg     *float64 `json:"sodium_mg,omitempty"`
}
