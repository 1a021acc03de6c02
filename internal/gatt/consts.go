package gatt

// 16-bit Bluetooth SIG assigned numbers used by the relay
const (
	// Services
	ServiceHeartRate           uint16 = 0x180D
	ServiceCyclingSpeedCadence uint16 = 0x1816
	ServiceCyclingPower        uint16 = 0x1818
	ServiceFitnessMachine      uint16 = 0x1826

	// Characteristics
	CharHeartRateMeasurement    uint16 = 0x2A37
	CharCSCMeasurement          uint16 = 0x2A5B
	CharCyclingPowerMeasurement uint16 = 0x2A63
	CharIndoorBikeData          uint16 = 0x2AD2
	CharTrainingStatus          uint16 = 0x2AD3
	CharFTMSControlPoint        uint16 = 0x2AD9
	CharMachineStatus           uint16 = 0x2ADA

	// Descriptors
	DescClientCharacteristicConfig uint16 = 0x2902
)

// DiscoveryServices is the priority-ordered list of services walked per
// connection: heart rate first, then cycling power, then fitness machine.
var DiscoveryServices = []uint16{
	ServiceHeartRate,
	ServiceCyclingPower,
	ServiceFitnessMachine,
}

// Advertisement service-presence mask bits
const (
	MaskHeartRate      uint8 = 0x01
	MaskCyclingPower   uint8 = 0x02
	MaskFitnessMachine uint8 = 0x04
)

// ServiceMaskFor returns the advertisement mask bit for a 16-bit service
// UUID, or 0 for services the relay does not care about.
func ServiceMaskFor(uuid uint16) uint8 {
	switch uuid {
	case ServiceHeartRate:
		return MaskHeartRate
	case ServiceCyclingPower:
		return MaskCyclingPower
	case ServiceFitnessMachine:
		return MaskFitnessMachine
	default:
		return 0
	}
}

// ServiceKind classifies a subscribed characteristic's semantic role.
// It is assigned at subscribe time and never changes afterwards.
type ServiceKind int

const (
	KindUnknown ServiceKind = iota
	KindHeartRate
	KindCyclingPower
	KindIndoorBikeData
	KindTrainingStatus
	KindMachineStatus
	KindControlPoint
)

func (k ServiceKind) String() string {
	switch k {
	case KindHeartRate:
		return "heart_rate"
	case KindCyclingPower:
		return "cycling_power"
	case KindIndoorBikeData:
		return "indoor_bike_data"
	case KindTrainingStatus:
		return "training_status"
	case KindMachineStatus:
		return "machine_status"
	case KindControlPoint:
		return "control_point"
	default:
		return "unknown"
	}
}

// KindForCharacteristic maps a characteristic UUID to its ServiceKind.
func KindForCharacteristic(uuid uint16) ServiceKind {
	switch uuid {
	case CharHeartRateMeasurement:
		return KindHeartRate
	case CharCyclingPowerMeasurement:
		return KindCyclingPower
	case CharIndoorBikeData:
		return KindIndoorBikeData
	case CharTrainingStatus:
		return KindTrainingStatus
	case CharMachineStatus:
		return KindMachineStatus
	case CharFTMSControlPoint:
		return KindControlPoint
	default:
		return KindUnknown
	}
}

// FTMS Control Point op codes (Fitness Machine Service 1.0 spec)
const (
	FTMSOpCodeRequestControl       byte = 0x00
	FTMSOpCodeReset                byte = 0x01
	FTMSOpCodeSetTargetSpeed       byte = 0x02
	FTMSOpCodeSetTargetInclination byte = 0x03
	FTMSOpCodeSetTargetResistance  byte = 0x04
	FTMSOpCodeSetTargetPower       byte = 0x05
	FTMSOpCodeSetTargetHeartRate   byte = 0x06
	FTMSOpCodeStartOrResume        byte = 0x07
	FTMSOpCodeStopOrPause          byte = 0x08
	FTMSOpCodeSetIndoorBikeSim     byte = 0x11
	FTMSOpCodeResponseCode         byte = 0x80
)

// FTMS Control Point result codes
const (
	FTMSResultSuccess             byte = 0x01
	FTMSResultOpCodeNotSupported  byte = 0x02
	FTMSResultInvalidParameter    byte = 0x03
	FTMSResultOperationFailed     byte = 0x04
	FTMSResultControlNotPermitted byte = 0x05
)

// FTMSOpCodeName returns a display name for a control point op code.
func FTMSOpCodeName(op byte) string {
	switch op {
	case FTMSOpCodeRequestControl:
		return "Request Control"
	case FTMSOpCodeReset:
		return "Reset"
	case FTMSOpCodeSetTargetSpeed:
		return "Set Target Speed"
	case FTMSOpCodeSetTargetInclination:
		return "Set Target Inclination"
	case FTMSOpCodeSetTargetResistance:
		return "Set Target Resistance"
	case FTMSOpCodeSetTargetPower:
		return "Set Target Power"
	case FTMSOpCodeSetTargetHeartRate:
		return "Set Target Heart Rate"
	case FTMSOpCodeStartOrResume:
		return "Start/Resume"
	case FTMSOpCodeStopOrPause:
		return "Stop/Pause"
	case FTMSOpCodeSetIndoorBikeSim:
		return "Set Indoor Bike Simulation"
	case FTMSOpCodeResponseCode:
		return "Response Code"
	default:
		return "Unknown"
	}
}

// Fitness Machine Status op codes decoded for telemetry
const (
	MachineStatusTargetSpeed      byte = 0x05
	MachineStatusTargetIncline    byte = 0x06
	MachineStatusTargetResistance byte = 0x07
	MachineStatusTargetPower      byte = 0x08
	MachineStatusTargetHeartRate  byte = 0x09
)
