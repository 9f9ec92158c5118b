package amdgpudis

import "unsafe"

// entryPointName is the single exported symbol of the shared library. It
// writes the function-pointer table into caller-provided storage.
const entryPointName = "AmdGpuDisGetApiTable"

// MajorVersion is the table major version this package was written against.
// Compatibility rule: major equal, minor at least the size of the table we
// index into.
const MajorVersion = 1

// apiTable mirrors AmdGpuDisApiTable from CodeObjectDisassemblerApi.h.
// Field order and count must match the C struct exactly; the minor version is
// defined as sizeof(table) and gates which tail entries are callable.
type apiTable struct {
	majorVersion uint32
	minorVersion uint32

	createContext                             uintptr
	destroyContext                            uintptr
	loadCodeObjectBuffer                      uintptr
	getDisassemblyStringSize                  uintptr
	getDisassemblyString                      uintptr
	iterateCfgHeads                           uintptr
	iterateCfgBasicBlockDestinations          uintptr
	iterateCfgBasicBlockInstructions          uintptr
	iterateCfgFlatBasicBlocks                 uintptr
	getCfgBasicBlockInstructionByIndex        uintptr
	getProgramCounterByIndex                  uintptr
	getCfgInstructionLocationByProgramCounter uintptr
	getCfgBasicBlockSize                      uintptr
	ifSeenCfgUnknownInstructions              uintptr
	getMaxProgramCounter                      uintptr
	getInstructionStartingProgramCounter      uintptr
	getBasicBlockNameByAddress                uintptr
	getBasicBlockAddressByName                uintptr
	iterateCfgBasicBlockDestinationsByAddress uintptr
	getCfgBasicBlockInstructionLine           uintptr
	getCfgBasicBlockSizeByAddress             uintptr
	getCfgInstructionAddressByProgramCounter  uintptr
	iterateCfgFlatBasicBlockAddresses         uintptr
	iterateCfgHeadAddresses                   uintptr
	iterateCfgBasicBlockInstructionsByAddress uintptr
	getInstructionAddressByBlockAddressAndIndex uintptr
	getBlockByAddress                         uintptr
	getBlockAddress                           uintptr
	setOption                                 uintptr
}

// requiredMinorVersion is the smallest table (in bytes) containing every
// entry this package calls.
var requiredMinorVersion = uint32(unsafe.Sizeof(apiTable{}))
