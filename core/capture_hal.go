package core

// RegisterBlock is word access to the memory-mapped register block of one PWM
// controller. Accesses never block and never fail: a block that could not be
// mapped is reported when it is created, not here.
type RegisterBlock interface {
	Read(offset uint32) uint32
	Write(offset uint32, value uint32)
}

// ClockSource is a gated clock feeding the PWM controller.
type ClockSource interface {
	Enable() error
	Disable() error

	// Rate returns the clock frequency in Hz. Only meaningful while enabled.
	Rate() uint64
}

// PWM register offsets from the block base.
const (
	PWMRegCounter = 0x00
	PWMRegHPR     = 0x04 // capture: ticks of the last high phase
	PWMRegLPR     = 0x08 // capture: ticks of the last low phase
	PWMRegCtrl    = 0x0c
)

// CTRL register fields
const (
	PWMCtrlEnable      = 1 << 0
	PWMCtrlModeMask    = 0x3 << 1
	PWMCtrlModeCapture = 0x2 << 1
	PWMCtrlScaleMask   = 0x00FFFE00 // bits 9..23: scale select, prescale, scale factor
	PWMCtrlDiv64       = 0x6 << 12
)

// MaxCaptureChannel is the highest channel index sharing one interrupt block.
const MaxCaptureChannel = 3

// PWMRegIntStatus returns the interrupt status register offset for channel ch.
// Channel 3's registers sit lowest.
func PWMRegIntStatus(ch uint8) uint32 {
	return uint32(MaxCaptureChannel-ch)*0x10 + 0x10
}

// PWMRegIntEnable returns the interrupt enable register offset for channel ch.
func PWMRegIntEnable(ch uint8) uint32 {
	return uint32(MaxCaptureChannel-ch)*0x10 + 0x14
}

// PWMIntBit is channel ch's bit in its status and enable registers.
func PWMIntBit(ch uint8) uint32 {
	return 1 << ch
}

// PWMPolBit is set in the status register when the phase that just ended was high.
func PWMPolBit(ch uint8) uint32 {
	return 1 << (ch + 8)
}

// modifyReg performs a read-modify-write clearing then setting bits.
func modifyReg(regs RegisterBlock, offset, clear, set uint32) {
	regs.Write(offset, regs.Read(offset)&^clear|set)
}
