package biomarker

import "strings"

const CategoryOther = "other"

// categoryKeywords maps lowercase name fragments to a health category.
// Order matters: the first matching fragment wins.
var categoryKeywords = []struct {
	fragment string
	category string
}{
	{"hemoglobin a1c", "metabolic"},
	{"hba1c", "metabolic"},
	{"glucose", "metabolic"},
	{"insulin", "metabolic"},
	{"hemoglobin", "hematology"},
	{"hematocrit", "hematology"},
	{"platelet", "hematology"},
	{"wbc", "hematology"},
	{"rbc", "hematology"},
	{"white blood", "hematology"},
	{"red blood", "hematology"},
	{"mcv", "hematology"},
	{"mch", "hematology"},
	{"neutrophil", "hematology"},
	{"lymphocyte", "hematology"},
	{"cholesterol", "lipids"},
	{"hdl", "lipids"},
	{"ldl", "lipids"},
	{"triglyceride", "lipids"},
	{"alt", "liver"},
	{"ast", "liver"},
	{"bilirubin", "liver"},
	{"albumin", "liver"},
	{"alkaline phosphatase", "liver"},
	{"ggt", "liver"},
	{"creatinine", "kidney"},
	{"egfr", "kidney"},
	{"bun", "kidney"},
	{"urea", "kidney"},
	{"uric acid", "kidney"},
	{"tsh", "thyroid"},
	{"t3", "thyroid"},
	{"t4", "thyroid"},
	{"thyroxine", "thyroid"},
	{"vitamin", "vitamins"},
	{"folate", "vitamins"},
	{"ferritin", "iron"},
	{"iron", "iron"},
	{"transferrin", "iron"},
	{"sodium", "electrolytes"},
	{"potassium", "electrolytes"},
	{"chloride", "electrolytes"},
	{"calcium", "electrolytes"},
	{"magnesium", "electrolytes"},
	{"crp", "inflammation"},
	{"c-reactive", "inflammation"},
	{"esr", "inflammation"},
	{"testosterone", "hormones"},
	{"estradiol", "hormones"},
	{"cortisol", "hormones"},
}

// CategoryFor guesses the health category for a biomarker name. Short
// abbreviations only match as whole words.
func CategoryFor(name string) string {
	lower := strings.ToLower(name)
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-')
	})

	for _, kw := range categoryKeywords {
		if len(kw.fragment) <= 4 {
			for _, w := range words {
				if w == kw.fragment {
					return kw.category
				}
			}
			continue
		}
		if strings.Contains(lower, kw.fragment) {
			return kw.category
		}
	}
	return CategoryOther
}
