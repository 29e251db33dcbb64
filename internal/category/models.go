package category

// Category identifies one marketplace category. The set is fixed in
// code; rows in category_restrictions can only hide entries from it.
type Category string

const (
	Vegetables Category = "vegetables"
	Fruit      Category = "fruit"
	EggsDairy  Category = "eggs_dairy"
	BakedGoods Category = "baked_goods"
	Preserves  Category = "preserves"
	Honey      Category = "honey"
	Plants     Category = "plants"
	Handmade   Category = "handmade"
	Tools      Category = "tools"
	Services   Category = "services"
)

// All returns the full category list in display order.
func All() []Category {
	return []Category{
		Vegetables, Fruit, EggsDairy, BakedGoods, Preserves,
		Honey, Plants, Handmade, Tools, Services,
	}
}

// Valid reports whether c is one of the fixed categories.
func Valid(c Category) bool {
	for _, known := range All() {
		if c == known {
			return true
		}
	}
	return false
}

// Restriction hides a category at global scope or within one
// community. is_allowed=true rows exist so staff can re-enable a
// category without deleting history.
type Restriction struct {
	Scope     string   `json:"scope"`
	Category  Category `json:"category"`
	IsAllowed bool     `json:"is_allowed"`
}
