package models

// Category groups products by occasion.
type Category string

const (
	CategoryBirthday       Category = "birthday"
	CategoryWedding        Category = "wedding"
	CategoryFuneral        Category = "funeral"
	CategoryGift           Category = "gift"
	CategoryCongratulation Category = "congratulation"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryBirthday, CategoryWedding, CategoryFuneral, CategoryGift, CategoryCongratulation:
		return true
	}
	return false
}

type FlowerType string

const (
	FlowerRose      FlowerType = "rose"
	FlowerCarnation FlowerType = "carnation"
	FlowerOrchid    FlowerType = "orchid"
	FlowerLily      FlowerType = "lily"
	FlowerMixed     FlowerType = "mixed"
)

func (f FlowerType) Valid() bool {
	switch f {
	case FlowerRose, FlowerCarnation, FlowerOrchid, FlowerLily, FlowerMixed:
		return true
	}
	return false
}

// Product is the catalog snapshot captured when an item enters a cart.
// Price is in VND, which has no subdivision, so the face value is the amount.
type Product struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Price         int64      `json:"price"`
	Image         string     `json:"image"`
	Category      Category   `json:"category"`
	FlowerType    FlowerType `json:"flowerType"`
	OriginalPrice int64      `json:"originalPrice,omitempty"`
	Discount      int        `json:"discount,omitempty"`
	Rating        float64    `json:"rating,omitempty"`
	ReviewCount   int        `json:"reviewCount,omitempty"`
	IsNew         bool       `json:"isNew,omitempty"`
	IsBestSeller  bool       `json:"isBestSeller,omitempty"`
}
