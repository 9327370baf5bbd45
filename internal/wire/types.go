package wire

// Tag identifies the type of the value that follows it on the wire.
type Tag byte

const (
	TagChar Tag = iota
	TagBool
	TagInt32
	TagInt64
	TagFloat64
	TagComplex128
	TagString
	TagRange
	TagKwargs
	TagSizeList
	TagStringList
	TagFloat64List
	TagRangeList
	TagKwargsList
	TagArgInfoList
	TagArgInfo
	TagCall
	TagException
	TagVoid
)

func (t Tag) String() string {
	switch t {
	case TagChar:
		return "CHAR"
	case TagBool:
		return "BOOL"
	case TagInt32:
		return "INT32"
	case TagInt64:
		return "INT64"
	case TagFloat64:
		return "FLOAT64"
	case TagComplex128:
		return "COMPLEX128"
	case TagString:
		return "STRING"
	case TagRange:
		return "RANGE"
	case TagKwargs:
		return "KWARGS"
	case TagSizeList:
		return "SIZE_LIST"
	case TagStringList:
		return "STRING_LIST"
	case TagFloat64List:
		return "FLOAT64_LIST"
	case TagRangeList:
		return "RANGE_LIST"
	case TagKwargsList:
		return "KWARGS_LIST"
	case TagArgInfoList:
		return "ARG_INFO_LIST"
	case TagArgInfo:
		return "ARG_INFO"
	case TagCall:
		return "CALL"
	case TagException:
		return "EXCEPTION"
	case TagVoid:
		return "VOID"
	default:
		return "UNKNOWN"
	}
}

// Range is an inclusive (min, max) interval with an optional step.
type Range struct {
	Min, Max, Step float64
}

// Kwargs is a string-keyed, string-valued configuration map. Order of
// insertion is preserved for round-tripping, so it is a slice of pairs
// rather than a Go map.
type Kwargs struct {
	Keys   []string
	Values []string
}

// NewKwargs builds a Kwargs from a plain map; iteration order of a Go map
// is undefined, so callers that care about wire order should build the
// pairs by hand instead.
func NewKwargs(m map[string]string) Kwargs {
	kw := Kwargs{}
	for k, v := range m {
		kw.Keys = append(kw.Keys, k)
		kw.Values = append(kw.Values, v)
	}
	return kw
}

// Get returns the value for key and whether it was present.
func (kw Kwargs) Get(key string) (string, bool) {
	for i, k := range kw.Keys {
		if k == key {
			return kw.Values[i], true
		}
	}
	return "", false
}

// Set appends or overwrites a key in place.
func (kw *Kwargs) Set(key, value string) {
	for i, k := range kw.Keys {
		if k == key {
			kw.Values[i] = value
			return
		}
	}
	kw.Keys = append(kw.Keys, key)
	kw.Values = append(kw.Values, value)
}

// ArgInfoType enumerates the UI-hint type of a stream/device argument.
type ArgInfoType int32

const (
	ArgInfoBool ArgInfoType = iota
	ArgInfoInt
	ArgInfoFloat
	ArgInfoString
)

// ArgInfo describes one configurable key/value argument, including optional
// UI hints (name, description, units, allowed range, and enumerated
// options).
type ArgInfo struct {
	Key         string
	Value       string
	Name        string
	Description string
	Units       string
	Type        ArgInfoType
	Range       Range
	Options     []string
	OptionNames []string
}

// Call is the RPC call identifier sent as the first value of a request
// frame. The catalogue of ids is documented in spec.md §6.
type Call int32

// Call id catalogue, grouped by API area per spec.md §6.
const (
	CallFind    Call = 0
	CallMake    Call = 1
	CallUnmake  Call = 2
	CallHangup  Call = 3
	CallGetServerID      Call = 20
	CallStartLogForward  Call = 21
	CallStopLogForward   Call = 22

	CallGetDriverKey  Call = 100
	CallGetHardwareKey Call = 101
	CallGetHardwareInfo Call = 102

	CallSetupStream       Call = 200
	CallSetupStreamBypass Call = 201
	CallCloseStream       Call = 202
	CallActivateStream    Call = 203
	CallDeactivateStream  Call = 204
	CallGetStreamMTU      Call = 205

	CallGetNumChannels Call = 300
	CallGetChannelInfo Call = 301

	CallListAntennas Call = 500
	CallSetAntenna   Call = 501
	CallGetAntenna   Call = 502

	CallListGains  Call = 600
	CallSetGain    Call = 601
	CallGetGain    Call = 602
	CallGetGainRange Call = 603

	CallSetFrequency  Call = 700
	CallGetFrequency  Call = 701
	CallListFrequencies Call = 702

	CallSetSampleRate  Call = 800
	CallGetSampleRate  Call = 801
	CallListSampleRates Call = 802

	CallSetBandwidth  Call = 900
	CallGetBandwidth  Call = 901
	CallListBandwidths Call = 902

	CallSetMasterClockRate Call = 1000
	CallGetMasterClockRate Call = 1001

	CallSetHardwareTime Call = 1100
	CallGetHardwareTime Call = 1101

	CallListSensors  Call = 1200
	CallReadSensor   Call = 1201

	CallReadRegister  Call = 1300
	CallWriteRegister Call = 1301

	CallWriteSetting Call = 1400
	CallReadSetting  Call = 1401

	CallWriteGPIO Call = 1500
	CallReadGPIO  Call = 1501

	CallWriteI2C Call = 1600
	CallReadI2C  Call = 1601

	CallTransactSPI Call = 1700

	CallWriteUART Call = 1800
	CallReadUART  Call = 1801
)
