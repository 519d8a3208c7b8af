package control

import "fmt"

// Kind identifies one dedicated control channel. The value is the channel byte on the wire.
type Kind uint8

const (
	KindNew Kind = iota + 1
	KindValidate
	KindSleep
	KindSettings
	KindEnd
	KindGetTypes
	KindEcho
)

// Kinds lists every control channel in wire order.
func Kinds() []Kind {
	return []Kind{KindNew, KindValidate, KindSleep, KindSettings, KindEnd, KindGetTypes, KindEcho}
}

// Valid reports whether k names a control channel.
func (k Kind) Valid() bool {
	return k >= KindNew && k <= KindEcho
}

func (k Kind) String() string {
	switch k {
	case KindNew:
		return "new"
	case KindValidate:
		return "validate"
	case KindSleep:
		return "sleep"
	case KindSettings:
		return "settings"
	case KindEnd:
		return "end"
	case KindGetTypes:
		return "get-types"
	case KindEcho:
		return "echo"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}
