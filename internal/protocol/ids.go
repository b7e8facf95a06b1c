package protocol

// Module numbers partition the protocol id space. A protocol id is
// module<<8 | method; module and method each occupy the low byte of their
// 2-byte wire field.
const ModuleLogin uint8 = 0x01

// Login family.
const (
	IDHandshake uint16 = 0x0101
	IDLogin     uint16 = 0x0102
	IDHeartbeat uint16 = 0x0103
	IDReconnect uint16 = 0x0104
	IDEnterGame uint16 = 0x0105
	IDLogout    uint16 = 0x0106
)

// PushBase marks the bottom of the push id space. Ids at or above it are
// server-initiated and never carry a request seq.
const PushBase uint16 = 0xF000

const (
	PushKick        uint16 = 0xF001
	PushMaintenance uint16 = 0xF002
	PushEvent       uint16 = 0xF003
)

// ID composes a protocol id from its module and method numbers.
func ID(module, method uint8) uint16 { return uint16(module)<<8 | uint16(method) }

// Module extracts the module number from a protocol id.
func Module(id uint16) uint8 { return uint8(id >> 8) }

// Method extracts the method number from a protocol id.
func Method(id uint16) uint8 { return uint8(id) }

// IsPush reports whether id belongs to the push id space.
func IsPush(id uint16) bool { return id >= PushBase }
