package catalog

import (
	"strconv"

	"github.com/google/uuid"

	"github.com/propsavant/demalytics/internal/catalog/names"
)

// Namespace seeds the deterministic ids of catalog rows so reseeding never
// duplicates them.
var Namespace = uuid.MustParse("6f1c2a6e-5b0d-4d8e-9a51-3c7e2f9d1b40")

func v5(name string) uuid.UUID {
	return uuid.NewSHA1(Namespace, []byte(name))
}

// ModelID is the id of a named catalog entry of the given kind.
func ModelID(kind, name string) uuid.UUID {
	return v5(kind + ":" + names.Canonical(name))
}

func RingID(set, label string) uuid.UUID {
	return v5("ring:" + names.Canonical(set) + ":" + names.Canonical(label))
}

func WeightID(model, label string) uuid.UUID {
	return v5("weight:" + names.Canonical(model) + ":" + names.Canonical(label))
}

// ExtentLabel renders a numeric extent as the label convention used in the
// catalog ("5", "12.5").
func ExtentLabel(extent float64) string {
	return strconv.FormatFloat(extent, 'f', -1, 64)
}
