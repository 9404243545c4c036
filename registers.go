package hvf

// Reg represents an ARM64 general register.
type Reg int

const (
	RegX0 Reg = iota
	RegX1
	RegX2
	RegX3
	RegX4
	RegX5
	RegX6
	RegX7
	RegX8
	RegX9
	RegX10
	RegX11
	RegX12
	RegX13
	RegX14
	RegX15
	RegX16
	RegX17
	RegX18
	RegX19
	RegX20
	RegX21
	RegX22
	RegX23
	RegX24
	RegX25
	RegX26
	RegX27
	RegX28
	RegFP // X29
	RegLR // X30
	RegSP // Stack pointer (SP_EL0)
	RegPC
	RegFPCR
	RegFPSR
	RegCPSR
)

var regNames = [...]string{
	"x0", "x1", "x2", "x3", "x4", "x5", "x6", "x7",
	"x8", "x9", "x10", "x11", "x12", "x13", "x14", "x15",
	"x16", "x17", "x18", "x19", "x20", "x21", "x22", "x23",
	"x24", "x25", "x26", "x27", "x28",
	"fp", "lr", "sp", "pc", "fpcr", "fpsr", "cpsr",
}

func (r Reg) String() string {
	if r < RegX0 || int(r) >= len(regNames) {
		return "invalid"
	}
	return regNames[r]
}

func (r Reg) valid() bool {
	return r >= RegX0 && r <= RegCPSR
}

// SysReg represents an ARM64 system register reachable through the
// framework's sys-reg accessors.
type SysReg int

const (
	SysRegSPEL0 SysReg = iota
	SysRegSPEL1
	SysRegESREL1
	SysRegFAREL1
	SysRegELREL1
	SysRegSPSREL1
	SysRegVBAREL1
	SysRegMAIREL1
	SysRegTTBR0EL1
	SysRegTTBR1EL1
	SysRegSCTLREL1
	SysRegCNTVCTLEL0
	SysRegCNTVCVALEL0
)

var sysRegNames = [...]string{
	"SP_EL0", "SP_EL1", "ESR_EL1", "FAR_EL1", "ELR_EL1", "SPSR_EL1",
	"VBAR_EL1", "MAIR_EL1", "TTBR0_EL1", "TTBR1_EL1", "SCTLR_EL1",
	"CNTV_CTL_EL0", "CNTV_CVAL_EL0",
}

func (r SysReg) String() string {
	if r < SysRegSPEL0 || int(r) >= len(sysRegNames) {
		return "invalid"
	}
	return sysRegNames[r]
}

func (r SysReg) valid() bool {
	return r >= SysRegSPEL0 && r <= SysRegCNTVCVALEL0
}

// RegBatch holds values for a set of registers, read or written together
// under the vCPU's lock so the snapshot is never torn.
type RegBatch map[Reg]uint64
