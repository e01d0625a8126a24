package device

import (
	"sync"

	"github.com/lightforgemedia/go-hassws/pkg/client"
)

// DomainLight is the service domain of lights.
const DomainLight = "light"

// RGB is a colour with 0-255 channels.
type RGB struct {
	R, G, B int
}

// LightOptions are the turn_on/toggle parameters. Zero values are unset.
type LightOptions struct {
	Brightness int
	Transition int
	// ColorTemperature is in kelvin.
	ColorTemperature int
	ColorRGB         *RGB
	ColorName        string
	Effect           string
}

func (o *LightOptions) hasColor() bool {
	return o != nil && (o.ColorName != "" || o.ColorRGB != nil || o.Effect != "" || o.ColorTemperature != 0)
}

// LightState is a State with the light attributes decoded.
type LightState struct {
	State
	Brightness       int
	ColorRGB         *RGB
	ColorTemperature int
}

type lightAttributes struct {
	Brightness      *int  `json:"brightness"`
	RGBColor        []int `json:"rgb_color"`
	ColorTempKelvin *int  `json:"color_temp_kelvin"`
}

// ParseLightState decodes brightness, rgb_color and color_temp_kelvin.
// Missing or malformed attributes stay zero.
func ParseLightState(s State) LightState {
	ls := LightState{State: s}
	var attrs lightAttributes
	if err := s.DecodeAttributes(&attrs); err != nil {
		return ls
	}
	if attrs.Brightness != nil {
		ls.Brightness = *attrs.Brightness
	}
	if attrs.ColorTempKelvin != nil {
		ls.ColorTemperature = *attrs.ColorTempKelvin
	}
	if len(attrs.RGBColor) == 3 {
		ls.ColorRGB = &RGB{R: attrs.RGBColor[0], G: attrs.RGBColor[1], B: attrs.RGBColor[2]}
	}
	return ls
}

// LightOption configures a Light
type LightOption func(*Light)

// WithTemperatureRange records the supported kelvin range.
func WithTemperatureRange(lo, hi int) LightOption {
	return func(l *Light) {
		l.temperatureMin = lo
		l.temperatureMax = hi
	}
}

// WithDefaults sets the parameters used when a call leaves them unset.
func WithDefaults(defaults LightOptions) LightOption {
	return func(l *Light) {
		l.defaults = defaults
	}
}

// WithDeviceOptions passes options to the underlying Device.
func WithDeviceOptions(opts ...Option) LightOption {
	return func(l *Light) {
		for _, opt := range opts {
			opt(l.Device)
		}
	}
}

// Light is an entity of the light domain.
type Light struct {
	Switchable

	temperatureMin int
	temperatureMax int

	defaultsMu sync.Mutex
	defaults   LightOptions
}

// NewLight creates a light.
func NewLight(cmd Commander, id, name string, opts ...LightOption) *Light {
	l := &Light{Switchable: newSwitchable(cmd, DomainLight, id, name)}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TemperatureRange returns the supported kelvin range, zero when unknown.
func (l *Light) TemperatureRange() (lo, hi int) {
	return l.temperatureMin, l.temperatureMax
}

// Defaults returns the parameters used when a call leaves them unset.
func (l *Light) Defaults() LightOptions {
	l.defaultsMu.Lock()
	defer l.defaultsMu.Unlock()
	return l.defaults
}

// SetDefaults replaces the parameters used when a call leaves them unset.
func (l *Light) SetDefaults(defaults LightOptions) {
	l.defaultsMu.Lock()
	defer l.defaultsMu.Unlock()
	l.defaults = defaults
}

// LightState returns the last known state with light attributes decoded.
func (l *Light) LightState() LightState {
	return ParseLightState(l.State())
}

// TurnOn switches the light on. opts may be nil.
func (l *Light) TurnOn(opts *LightOptions) *client.Token {
	return l.call("turn_on", l.serviceData(opts))
}

// Toggle flips the light. opts may be nil.
func (l *Light) Toggle(opts *LightOptions) *client.Token {
	return l.call("toggle", l.serviceData(opts))
}

// serviceData maps options to service data. Brightness and transition fall
// back to the defaults one by one. Colour parameters come entirely from
// opts when it sets any of them, otherwise entirely from the defaults.
func (l *Light) serviceData(opts *LightOptions) map[string]any {
	def := l.Defaults()
	data := map[string]any{}

	brightness, transition := def.Brightness, def.Transition
	if opts != nil && opts.Brightness != 0 {
		brightness = opts.Brightness
	}
	if opts != nil && opts.Transition != 0 {
		transition = opts.Transition
	}
	if brightness != 0 {
		data["brightness"] = brightness
	}
	if transition != 0 {
		data["transition"] = transition
	}

	colour := &def
	if opts.hasColor() {
		colour = opts
	}
	if colour.ColorName != "" {
		data["color_name"] = colour.ColorName
	}
	if colour.ColorRGB != nil {
		data["rgb_color"] = []int{colour.ColorRGB.R, colour.ColorRGB.G, colour.ColorRGB.B}
	}
	if colour.ColorTemperature != 0 {
		data["color_temp_kelvin"] = colour.ColorTemperature
	}
	if colour.Effect != "" {
		data["effect"] = colour.Effect
	}
	return data
}
