package engine

// Interface identifiers answered by SupportsInterface.
var (
	InterfaceERC165         = [4]byte{0x01, 0xff, 0xc9, 0xa7}
	InterfaceERC721         = [4]byte{0x80, 0xac, 0x58, 0xcd}
	InterfaceERC721Metadata = [4]byte{0x5b, 0x5e, 0x13, 0x9f}
	InterfaceAccessControl  = [4]byte{0x79, 0x65, 0xdb, 0x0b}
)

var supported = map[[4]byte]bool{
	InterfaceERC165:         true,
	InterfaceERC721:         true,
	InterfaceERC721Metadata: true,
	InterfaceAccessControl:  true,
}

// SupportsInterface reports whether the engine implements the capability id.
func (e *Engine) SupportsInterface(id [4]byte) bool {
	return supported[id]
}
