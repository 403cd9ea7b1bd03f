package schema

import "fmt"

// Template is a checklist template fetched from the server and cached
// locally so audits can be started while offline.
type Template struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Items []TemplateItem `json:"items"`
}

// TemplateItem is a single question of a checklist template.
type TemplateItem struct {
	ID       string `json:"id"`
	Question string `json:"question"`
	Category string `json:"category,omitempty"`
	Order    int    `json:"order"`
	Active   bool   `json:"active"`
}

// Validate checks that a template can be used to materialize an audit.
func (t *Template) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if t.Name == "" {
		return fmt.Errorf("name is required")
	}
	return nil
}

// ActiveItems returns the template items an audit derives its checklist
// from, preserving template order.
func (t *Template) ActiveItems() []TemplateItem {
	var items []TemplateItem
	for _, it := range t.Items {
		if it.Active {
			items = append(items, it)
		}
	}
	return items
}
