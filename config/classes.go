package config

import (
	"fmt"

	"github.com/elliotchance/orderedmap/v2"
)

// VOCClassNames are the 20 PASCAL VOC object classes in class-id order.
var VOCClassNames = []string{
	"aeroplane", "bicycle", "bird", "boat", "bottle",
	"bus", "car", "cat", "chair", "cow",
	"diningtable", "dog", "horse", "motorbike", "person",
	"pottedplant", "sheep", "sofa", "train", "tvmonitor",
}

// ClassCatalog maps class ids to display names, iterating in id order.
type ClassCatalog struct {
	names *orderedmap.OrderedMap[int, string]
}

func NewClassCatalog(names []string) *ClassCatalog {
	m := orderedmap.NewOrderedMap[int, string]()
	for id, name := range names {
		m.Set(id, name)
	}
	return &ClassCatalog{names: m}
}

// DefaultClassCatalog returns a catalog over VOCClassNames.
func DefaultClassCatalog() *ClassCatalog {
	return NewClassCatalog(VOCClassNames)
}

// Name returns the label for id, or "class_<id>" when the id is unknown.
func (c *ClassCatalog) Name(id int) string {
	if c != nil && c.names != nil {
		if name, ok := c.names.Get(id); ok {
			return name
		}
	}
	return fmt.Sprintf("class_%d", id)
}

func (c *ClassCatalog) Len() int {
	if c == nil || c.names == nil {
		return 0
	}
	return c.names.Len()
}

// IDs returns every class id in insertion order.
func (c *ClassCatalog) IDs() []int {
	if c == nil || c.names == nil {
		return nil
	}
	return c.names.Keys()
}
