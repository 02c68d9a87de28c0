package analyzer

import (
	"fmt"
	"strings"

	"github.com/bdougie/vigil/internal/events"
	"github.com/bdougie/vigil/internal/models"
)

// Unknown is the value of every attribute the model could not determine
const Unknown = "unknown"

// Kind selects the attribute schema for an object class
type Kind int

const (
	KindVehicle Kind = iota + 1
	KindPerson
)

func (k Kind) String() string {
	switch k {
	case KindVehicle:
		return "vehicle"
	case KindPerson:
		return "person"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

var classKinds = map[string]Kind{
	"car":        KindVehicle,
	"truck":      KindVehicle,
	"bus":        KindVehicle,
	"motorcycle": KindVehicle,
	"bicycle":    KindVehicle,
	"person":     KindPerson,
}

// KindForClass returns the schema for a detector class. ok is false for classes
// that are not enriched.
func KindForClass(class string) (Kind, bool) {
	k, ok := classKinds[class]
	return k, ok
}

// Attributes is the result of one extraction. It is implemented only by
// VehicleAttributes and PersonAttributes.
type Attributes interface {
	Kind() Kind
	// Map is the JSON payload stored on every event of the track
	Map(class string) map[string]any
	// Text is the enriched descriptive text for one event
	Text(ev models.TrackEvent) string
	// DetectionFields are the columns written on the track's best detection
	DetectionFields() models.DetectionFields

	sealed()
}

// DefaultAttributes returns the all-unknown result for a kind
func DefaultAttributes(kind Kind) Attributes {
	if kind == KindPerson {
		return DefaultPersonAttributes()
	}
	return DefaultVehicleAttributes()
}

// VehicleAttributes describe a car, truck, bus, motorcycle or bicycle
type VehicleAttributes struct {
	Color        string
	Type         string
	Make         string
	PlateVisible bool
}

// DefaultVehicleAttributes returns every field unknown
func DefaultVehicleAttributes() VehicleAttributes {
	return VehicleAttributes{Color: Unknown, Type: Unknown, Make: Unknown}
}

func (VehicleAttributes) Kind() Kind { return KindVehicle }
func (VehicleAttributes) sealed()    {}

func (a VehicleAttributes) Map(class string) map[string]any {
	return map[string]any{
		"color":         a.Color,
		"type":          a.Type,
		"make_estimate": a.Make,
		"plate_visible": a.PlateVisible,
		"object_class":  class,
	}
}

func (a VehicleAttributes) Text(ev models.TrackEvent) string {
	var parts []string
	if known(a.Color) {
		parts = append(parts, a.Color)
	}
	if known(a.Type) {
		parts = append(parts, a.Type)
	} else if ev.Class != "" {
		parts = append(parts, ev.Class)
	}
	description := strings.Join(parts, " ")
	if description == "" {
		description = ev.Class
	}

	var makeStr string
	if known(a.Make) {
		makeStr = ", possibly " + a.Make
	}

	return fmt.Sprintf("%s%s (track #%d) %s event: %s",
		events.Capitalize(description), makeStr, ev.TrackID, ev.Type, spanText(ev))
}

func (a VehicleAttributes) DetectionFields() models.DetectionFields {
	return models.DetectionFields{Vehicle: &models.VehicleFields{
		Color: knownPtr(a.Color),
		Type:  knownPtr(a.Type),
		Make:  knownPtr(a.Make),
	}}
}

// PersonAttributes describe a person
type PersonAttributes struct {
	Gender         string
	ClothingTop    string
	ClothingBottom string
	HeadCovering   string
	Carrying       string
}

// DefaultPersonAttributes returns every field unknown
func DefaultPersonAttributes() PersonAttributes {
	return PersonAttributes{
		Gender:         Unknown,
		ClothingTop:    Unknown,
		ClothingBottom: Unknown,
		HeadCovering:   Unknown,
		Carrying:       Unknown,
	}
}

func (PersonAttributes) Kind() Kind { return KindPerson }
func (PersonAttributes) sealed()    {}

func (a PersonAttributes) Map(class string) map[string]any {
	return map[string]any{
		"gender_estimate": a.Gender,
		"clothing_top":    a.ClothingTop,
		"clothing_bottom": a.ClothingBottom,
		"head_covering":   a.HeadCovering,
		"carrying":        a.Carrying,
		"object_class":    class,
	}
}

func (a PersonAttributes) Text(ev models.TrackEvent) string {
	appearance := "person"
	if known(a.Gender) {
		appearance = a.Gender
	}

	var clothing []string
	if known(a.ClothingTop) {
		clothing = append(clothing, "wearing "+a.ClothingTop)
	}
	if known(a.ClothingBottom) {
		clothing = append(clothing, a.ClothingBottom)
	}
	if present(a.HeadCovering) {
		clothing = append(clothing, "with "+a.HeadCovering)
	}
	if present(a.Carrying) {
		clothing = append(clothing, "carrying "+a.Carrying)
	}
	if len(clothing) > 0 {
		appearance = fmt.Sprintf("%s (%s)", appearance, strings.Join(clothing, ", "))
	}

	return fmt.Sprintf("%s (track #%d) %s event: %s",
		events.Capitalize(appearance), ev.TrackID, ev.Type, spanText(ev))
}

func (a PersonAttributes) DetectionFields() models.DetectionFields {
	return models.DetectionFields{Person: &models.PersonFields{
		Gender:         knownPtr(a.Gender),
		ClothingTop:    knownPtr(a.ClothingTop),
		ClothingBottom: knownPtr(a.ClothingBottom),
	}}
}

func spanText(ev models.TrackEvent) string {
	return fmt.Sprintf("appeared at %.1fs, last seen at %.1fs (duration: %.1fs). Detected with %s confidence.",
		ev.FirstSeen, ev.LastSeen, ev.Duration, events.Percent(ev.BestConfidence))
}

func known(v string) bool {
	return v != "" && v != Unknown
}

// present is known and not "none"
func present(v string) bool {
	return known(v) && v != "none"
}

func knownPtr(v string) *string {
	if !known(v) {
		return nil
	}
	return &v
}

// decodeAttributes builds a full result from a parsed model response. Missing
// or null fields become unknown.
func decodeAttributes(kind Kind, data map[string]any) Attributes {
	switch kind {
	case KindPerson:
		return PersonAttributes{
			Gender:         lowerField(data, "gender_estimate"),
			ClothingTop:    lowerField(data, "clothing_top"),
			ClothingBottom: lowerField(data, "clothing_bottom"),
			HeadCovering:   lowerField(data, "head_covering"),
			Carrying:       lowerField(data, "carrying"),
		}
	default:
		return VehicleAttributes{
			Color:        lowerField(data, "color"),
			Type:         lowerField(data, "type"),
			Make:         field(data, "make_estimate"),
			PlateVisible: boolField(data, "plate_visible"),
		}
	}
}

func field(data map[string]any, key string) string {
	v, ok := data[key]
	if !ok || v == nil {
		return Unknown
	}
	s := strings.TrimSpace(fmt.Sprint(v))
	if s == "" {
		return Unknown
	}
	return s
}

func lowerField(data map[string]any, key string) string {
	return strings.ToLower(field(data, key))
}

func boolField(data map[string]any, key string) bool {
	switch v := data[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(strings.TrimSpace(v), "true")
	case float64:
		return v != 0
	default:
		return false
	}
}

// Prompt returns the instruction sent with a crop of the given kind
func Prompt(kind Kind) string {
	if kind == KindPerson {
		return personPrompt
	}
	return vehiclePrompt
}

const vehiclePrompt = `You are analyzing a cropped image of a vehicle from a security camera.

Respond ONLY with a valid JSON object. No explanation, no markdown, no extra text.

JSON fields:
- "color": dominant color of the vehicle body (e.g. "white", "black", "silver", "red", "blue", "grey", "unknown")
- "type": vehicle body style (choose one: "sedan", "suv", "van", "truck", "bus", "motorcycle", "bicycle", "hatchback", "pickup", "unknown")
- "make_estimate": manufacturer only if clearly identifiable (e.g. "Toyota", "Ford"), otherwise "unknown"
- "plate_visible": true or false, whether any license plate is visible

Example output:
{"color": "white", "type": "van", "make_estimate": "unknown", "plate_visible": false}

Now analyze the vehicle in this image:`

const personPrompt = `You are analyzing a cropped image of a person from a security camera.

Respond ONLY with a valid JSON object. No explanation, no markdown, no extra text.

JSON fields:
- "gender_estimate": "male", "female", or "unknown", only if clearly visible
- "clothing_top": color and type of upper body clothing (e.g. "black jacket", "white shirt", "unknown")
- "clothing_bottom": color and type of lower body clothing (e.g. "blue jeans", "dark trousers", "unknown")
- "head_covering": any hat, helmet, hood, or "none" or "unknown"
- "carrying": any visible bags, backpacks, objects or "none" or "unknown"

Example output:
{"gender_estimate": "male", "clothing_top": "dark jacket", "clothing_bottom": "blue jeans", "head_covering": "none", "carrying": "backpack"}

Now analyze the person in this image:`
