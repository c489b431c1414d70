package label

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"text/template"

	"label-print-service/internal/domain"
)

// kcal to kJ
const kjPerKcal = 4.184

// DailyValues are the %VD references used by the vd template function.
var DailyValues = map[string]float64{
	"kcal":     2000,
	"carb":     300,
	"prot":     75,
	"gord":     55,
	"sat":      22,
	"fibra":    25,
	"sodio_mg": 2400,
}

// Funcs are the helpers available to every label template.
func Funcs() template.FuncMap {
	return template.FuncMap{
		"d1":    OneDecimal,
		"kj":    KcalToKJ,
		"vd":    DailyValuePercent,
		"trunc": Truncate,
		"row": func(base, step, i int) int {
			return base + step*i
		},
	}
}

// OneDecimal formats v with one decimal place and a decimal comma; nil prints as 0,0.
func OneDecimal(v any) string {
	return decimalComma(toFloat(v))
}

// KcalToKJ converts an energy value to kilojoules, formatted like OneDecimal.
func KcalToKJ(v any) string {
	return decimalComma(toFloat(v) * kjPerKcal)
}

// DailyValuePercent returns the rounded (half up) percentage of the daily reference
// named by key, or an empty string for an unknown key.
func DailyValuePercent(v any, key string) string {
	ref, ok := DailyValues[key]
	if !ok || ref == 0 {
		return ""
	}
	pct := toFloat(v) / ref * 100
	return strconv.Itoa(int(math.Floor(pct + 0.5)))
}

func decimalComma(f float64) string {
	return strings.Replace(strconv.FormatFloat(f, 'f', 1, 64), ".", ",", 1)
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case nil:
		return 0
	case *float64:
		if n == nil {
			return 0
		}
		return *n
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case *int:
		if n == nil {
			return 0
		}
		return float64(*n)
	case string:
		f, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(n), ",", "."), 64)
		if err != nil {
			return 0
		}
		return f
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(fmt.Sprint(v), ",", "."), 64)
	if err != nil {
		return 0
	}
	return f
}

// NutritionLines builds the sixteen text lines of the nutrition table from structured facts.
func NutritionLines(n *domain.NutritionFacts) []string {
	if n == nil {
		return nil
	}
	withVD := func(label string, v *float64, unit, key string) string {
		return fmt.Sprintf("%s %s %s (%s%% VD)", label, OneDecimal(v), unit, DailyValuePercent(v, key))
	}
	return []string{
		"INFORMACAO NUTRICIONAL",
		fmt.Sprintf("Porcao de %d g", n.ServingGrams),
		fmt.Sprintf("Valor energetico %s kcal = %s kJ (%s%% VD)", OneDecimal(n.Kcal), KcalToKJ(n.Kcal), DailyValuePercent(n.Kcal, "kcal")),
		withVD("Carboidratos", n.Carbs, "g", "carb"),
		withVD("Proteinas", n.Protein, "g", "prot"),
		withVD("Gorduras totais", n.TotalFat, "g", "gord"),
		withVD("Gorduras saturadas", n.SaturatedFat, "g", "sat"),
		fmt.Sprintf("Gorduras trans %s g (VD nao estabelecido)", OneDecimal(n.TransFat)),
		fmt.Sprintf("Colesterol %s mg", OneDecimal(n.Cholesterol)),
		withVD("Fibra alimentar", n.Fiber, "g", "fibra"),
		fmt.Sprintf("Calcio %s mg", OneDecimal(n.Calcium)),
		fmt.Sprintf("Ferro %s mg", OneDecimal(n.Iron)),
		withVD("Sodio", n.SodiumMg, "mg", "sodio_mg"),
		"% Valores Diarios de referencia com base",
		"em uma dieta de 2000 kcal ou 8400 kJ.",
		"",
	}
}
