// Package netstats joins network events of one page load and reduces them to
// per-category statistics.
package netstats

import "github.com/galois26/page-weight-monitor/internal/model"

var categories = map[string]model.Category{
	"Image":      model.CategoryImage,
	"Document":   model.CategoryBundle,
	"Font":       model.CategoryBundle,
	"Script":     model.CategoryBundle,
	"Stylesheet": model.CategoryBundle,
}

// Classify maps a resource type tag to its category. Unknown tags are ignored.
func Classify(resourceType string) model.Category {
	if c, ok := categories[resourceType]; ok {
		return c
	}
	return model.CategoryIgnored
}
