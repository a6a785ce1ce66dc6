package wemo

import (
	"strings"
	"sync"
)

// Device type URNs.
const (
	DeviceTypeSwitch      = "urn:Belkin:device:controllee:1"
	DeviceTypeLightSwitch = "urn:Belkin:device:lightswitch:1"
	DeviceTypeDimmer      = "urn:Belkin:device:dimmer:1"
	DeviceTypeInsight     = "urn:Belkin:device:insight:1"
	DeviceTypeMaker       = "urn:Belkin:device:Maker:1"
	DeviceTypeMotion      = "urn:Belkin:device:sensor:1"
	DeviceTypeBridge      = "urn:Belkin:device:bridge:1"
	DeviceTypeCoffeeMaker = "urn:Belkin:device:CoffeeMaker:1"
	DeviceTypeCrockpot    = "urn:Belkin:device:crockpot:1"
	DeviceTypeHeaterA     = "urn:Belkin:device:HeaterA:1"
	DeviceTypeHeaterB     = "urn:Belkin:device:HeaterB:1"
	DeviceTypeHumidifier  = "urn:Belkin:device:Humidifier:1"
	DeviceTypeAirPurifier = "urn:Belkin:device:AirPurifier:1"
)

// Action is one SOAP call issued when polling a device.
type Action struct {
	Service string
	Action  string
	Args    Args
}

// Profile describes how the engine talks to one device type.
type Profile struct {
	Family Family

	// Services are subscribed to when the device uses push transport.
	Services []string
	// Poll is issued to seed state and on every poll tick.
	Poll []Action

	Factory ControllerFactory
	// SubFactory builds controllers for devices behind a hub.
	SubFactory ControllerFactory
}

// ProfileRegistry maps device type URNs to profiles. Lookups ignore case.
type ProfileRegistry struct {
	mu       sync.RWMutex
	profiles map[string]Profile
	fallback Profile
}

// NewProfileRegistry creates a registry whose unknown types resolve to
// fallback.
func NewProfileRegistry(fallback Profile) *ProfileRegistry {
	return &ProfileRegistry{
		profiles: make(map[string]Profile),
		fallback: fallback,
	}
}

// Register adds or replaces the profile for deviceType.
func (pr *ProfileRegistry) Register(deviceType string, p Profile) {
	pr.mu.Lock()
	pr.profiles[strings.ToLower(deviceType)] = p
	pr.mu.Unlock()
}

// Lookup returns the profile for deviceType. The boolean is false when the
// fallback was used.
func (pr *ProfileRegistry) Lookup(deviceType string) (Profile, bool) {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	p, ok := pr.profiles[strings.ToLower(deviceType)]
	if !ok {
		return pr.fallback, false
	}
	return p, true
}

// Len is the number of registered types.
func (pr *ProfileRegistry) Len() int {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	return len(pr.profiles)
}

var (
	pollBinaryState = Action{Service: ServiceBasicEvent, Action: "GetBinaryState"}
	pollAttributes  = Action{Service: ServiceDeviceEvent, Action: "GetAttributes"}
)

// SwitchProfile is the basic on/off profile, also used for unknown types.
func SwitchProfile() Profile {
	return Profile{
		Family:   FamilySwitch,
		Services: []string{ServiceBasicEvent},
		Poll:     []Action{pollBinaryState},
		Factory:  NewSwitchController,
	}
}

// DefaultProfiles returns a registry with every built-in device type.
func DefaultProfiles() *ProfileRegistry {
	pr := NewProfileRegistry(SwitchProfile())

	pr.Register(DeviceTypeSwitch, SwitchProfile())
	pr.Register(DeviceTypeLightSwitch, SwitchProfile())

	pr.Register(DeviceTypeDimmer, Profile{
		Family:   FamilyDimmer,
		Services: []string{ServiceBasicEvent},
		Poll:     []Action{pollBinaryState},
		Factory:  NewDimmerController,
	})

	pr.Register(DeviceTypeInsight, Profile{
		Family:   FamilyInsight,
		Services: []string{ServiceBasicEvent, ServiceInsight},
		Poll: []Action{
			pollBinaryState,
			{Service: ServiceInsight, Action: "GetInsightParams"},
		},
		Factory: NewInsightController,
	})

	pr.Register(DeviceTypeMaker, Profile{
		Family:   FamilyMaker,
		Services: []string{ServiceBasicEvent},
		Poll:     []Action{pollAttributes},
		Factory:  NewMakerController,
	})

	pr.Register(DeviceTypeMotion, Profile{
		Family:   FamilyMotion,
		Services: []string{ServiceBasicEvent},
		Poll:     []Action{pollBinaryState},
		Factory:  NewMotionController,
	})

	// Bridge polling is built per hub from its sub-device list.
	pr.Register(DeviceTypeBridge, Profile{
		Family:     FamilyBridge,
		Services:   []string{ServiceBridge},
		Factory:    NewHubController,
		SubFactory: NewBulbController,
	})

	appliance := Profile{
		Family:   FamilyAppliance,
		Services: []string{ServiceBasicEvent},
		Poll:     []Action{pollAttributes},
		Factory:  NewApplianceController,
	}
	for _, t := range []string{
		DeviceTypeCoffeeMaker,
		DeviceTypeHeaterA,
		DeviceTypeHeaterB,
		DeviceTypeHumidifier,
		DeviceTypeAirPurifier,
	} {
		pr.Register(t, appliance)
	}

	crockpot := appliance
	crockpot.Poll = []Action{{Service: ServiceBasicEvent, Action: "GetCrockpotState"}}
	pr.Register(DeviceTypeCrockpot, crockpot)

	return pr
}
