package domain

import (
	"fmt"
	"strings"
)

type Category string

const (
	CategoryCanteen  Category = "can"
	CategoryFries    Category = "fry"
	CategorySandwich Category = "san"
)

type categoryInfo struct {
	name string
	base int64
}

// Adding a stall means adding a row here; counters for new rows are seeded on startup.
var categoryTable = map[Category]categoryInfo{
	CategoryCanteen:  {name: "Canteen", base: 1},
	CategoryFries:    {name: "Fries", base: 501},
	CategorySandwich: {name: "Sandwich", base: 801},
}

var categoryOrder = []Category{CategoryCanteen, CategoryFries, CategorySandwich}

// Categories returns every known category in a stable order.
func Categories() []Category {
	out := make([]Category, len(categoryOrder))
	copy(out, categoryOrder)
	return out
}

func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidCategory, s)
	}
	return c, nil
}

func (c Category) Valid() bool {
	_, ok := categoryTable[c]
	return ok
}

// Base is the first token handed out for the category after a reset.
func (c Category) Base() int64 {
	return categoryTable[c].base
}

func (c Category) Name() string {
	return categoryTable[c].name
}

func (c Category) Prefix() string {
	s := string(c)
	if len(s) > 3 {
		s = s[:3]
	}
	return strings.ToUpper(s)
}

// DisplayToken formats the pickup number shown to students and stall staff, e.g. CAN001.
func DisplayToken(c Category, token int64) string {
	return fmt.Sprintf("%s%03d", c.Prefix(), token)
}
