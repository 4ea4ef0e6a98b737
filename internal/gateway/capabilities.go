package gateway

import "strings"

// Capability names one operation a backend gateway supports.
type Capability uint32

// The unified operation set. A gateway declares its supported subset
// once at registration; the set is immutable afterward.
const (
	CapGetDrive Capability = 1 << iota
	CapGetRoot
	CapGetChildItems
	CapClearContent
	CapGetContent
	CapSetContent
	CapCopyFile
	CapCopyDirectory
	CapMoveFile
	CapMoveDirectory
	CapNewDirectory
	CapNewFile
	CapRemoveItem
	CapRenameFile
	CapRenameDirectory
	CapItemID
)

// capNames maps single capability bits to display names, in bit order.
var capNames = []struct {
	cap  Capability
	name string
}{
	{CapGetDrive, "GetDrive"},
	{CapGetRoot, "GetRoot"},
	{CapGetChildItems, "GetChildItems"},
	{CapClearContent, "ClearContent"},
	{CapGetContent, "GetContent"},
	{CapSetContent, "SetContent"},
	{CapCopyFile, "CopyFile"},
	{CapCopyDirectory, "CopyDirectory"},
	{CapMoveFile, "MoveFile"},
	{CapMoveDirectory, "MoveDirectory"},
	{CapNewDirectory, "NewDirectory"},
	{CapNewFile, "NewFile"},
	{CapRemoveItem, "RemoveItem"},
	{CapRenameFile, "RenameFile"},
	{CapRenameDirectory, "RenameDirectory"},
	{CapItemID, "ItemID"},
}

// Capabilities is a bitset over Capability values.
type Capabilities uint32

// AllCapabilities is the full operation set.
const AllCapabilities Capabilities = Capabilities(CapItemID<<1 - 1)

// Caps builds a Capabilities bitset from individual capabilities.
func Caps(caps ...Capability) Capabilities {
	var set Capabilities
	for _, c := range caps {
		set |= Capabilities(c)
	}

	return set
}

// Has reports whether the set contains c.
func (s Capabilities) Has(c Capability) bool {
	return s&Capabilities(c) != 0
}

// Without returns the set with the given capabilities removed.
func (s Capabilities) Without(caps ...Capability) Capabilities {
	for _, c := range caps {
		s &^= Capabilities(c)
	}

	return s
}

// String lists the contained capability names, comma separated.
func (s Capabilities) String() string {
	if s == 0 {
		return "(none)"
	}

	names := make([]string, 0, len(capNames))

	for _, cn := range capNames {
		if s.Has(cn.cap) {
			names = append(names, cn.name)
		}
	}

	return strings.Join(names, ",")
}

// String returns the capability's display name.
func (c Capability) String() string {
	for _, cn := range capNames {
		if cn.cap == c {
			return cn.name
		}
	}

	return "Unknown"
}
