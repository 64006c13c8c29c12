package regbus

import (
	"testing"
)

func TestMemoryPolicies(t *testing.T) {
	tests := []struct {
		name  string
		addr  uint16
		init  uint8
		write uint8
		want  uint8
	}{
		{"rw stores", USBAddr, 0x00, 0x05, 0x05},
		{"rw overwrites", EP0Buf, 0xAA, 0x55, 0x55},
		{"ro drops", PHYStatus, 0x03, 0x00, 0x03},
		{"ro drops setup", Setup + 3, 0x42, 0xFF, 0x42},
		{"w1c clears written bits", SysEvent, 0x0F, 0x05, 0x0A},
		{"w1c ignores zeros", EPEvent, 0x03, 0x00, 0x03},
		{"doorbell stores", CSWCtrl, 0x00, 0x01, 0x01},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMemory()
			m.Poke(tt.addr, tt.init)
			m.Write(tt.addr, tt.write)
			if got := m.Read(tt.addr); got != tt.want {
				t.Errorf("Read(%v) = 0x%02X, want 0x%02X", Addr(tt.addr), got, tt.want)
			}
		})
	}
}

func TestMemoryWriteReadIdempotent(t *testing.T) {
	m := NewMemory()
	for a := uint32(0); a <= 0xFFFF; a++ {
		addr := uint16(a)
		if m.PolicyOf(addr) != RW {
			continue
		}
		v := uint8(a*7 + 3)
		m.Write(addr, v)
		if got := m.Read(addr); got != v {
			t.Fatalf("Read(%v) = 0x%02X after Write 0x%02X", Addr(addr), got, v)
		}
	}
}

func TestMemoryReadOnlyDropped(t *testing.T) {
	m := NewMemory()
	for _, span := range DefaultPolicies {
		if span.Policy != RO {
			continue
		}
		for a := uint32(span.Lo); a <= uint32(span.Hi); a++ {
			m.Poke(uint16(a), 0x5A)
			m.Write(uint16(a), 0xFF)
			if got := m.Read(uint16(a)); got != 0x5A {
				t.Errorf("Read(%v) = 0x%02X, want 0x5A", Addr(a), got)
			}
		}
	}
}

func TestMemoryRMW(t *testing.T) {
	m := NewMemory()
	m.Poke(PHYCtrl, 0b1010_1111)
	m.RMW(PHYCtrl, 0xF0, 0x03)
	if got := m.Read(PHYCtrl); got != 0b1010_0011 {
		t.Errorf("RMW() = 0b%08b, want 0b10100011", got)
	}
}

func TestMemoryHooks(t *testing.T) {
	m := NewMemory()

	var rang []uint8
	m.OnWrite(AdminSQTail, func(addr uint16, v uint8) {
		rang = append(rang, v)
		// Hooks may reenter the register file.
		m.SetBits(SysEvent, SysCQEReady)
	})
	m.Write(AdminSQTail, 1)
	m.Write(AdminSQTail, 2)
	if len(rang) != 2 || rang[0] != 1 || rang[1] != 2 {
		t.Errorf("doorbell hook saw %v, want [1 2]", rang)
	}
	if m.Peek(SysEvent)&SysCQEReady == 0 {
		t.Error("hook SetBits not visible")
	}

	reads := 0
	m.OnRead(PHYStatus, func(addr uint16) {
		reads++
		m.Poke(addr, PHYStatusReady)
	})
	if got := m.Read(PHYStatus); got != PHYStatusReady {
		t.Errorf("Read(PHYStatus) = 0x%02X, want 0x%02X", got, PHYStatusReady)
	}
	if reads != 1 {
		t.Errorf("read hook ran %d times, want 1", reads)
	}

	m.OnWrite(AdminSQTail, nil)
	m.Write(AdminSQTail, 3)
	if len(rang) != 2 {
		t.Errorf("removed hook still fired")
	}
}

func TestBlockHelpers(t *testing.T) {
	m := NewMemory()
	WriteBlock(m, EP0Buf, []byte{1, 2, 3, 4})
	buf := make([]byte, 4)
	ReadBlock(m, EP0Buf, buf)
	for i, b := range buf {
		if b != byte(i+1) {
			t.Errorf("ReadBlock()[%d] = %d, want %d", i, b, i+1)
		}
	}

	Write16(m, DMALen, 0x1234)
	if got := Read16(m, DMALen); got != 0x1234 {
		t.Errorf("Read16() = 0x%04X, want 0x1234", got)
	}
	if m.Peek(DMALen) != 0x34 || m.Peek(DMALen+1) != 0x12 {
		t.Error("Write16() not little-endian")
	}

	m.PokeBlock(CBWBuf, []byte{'U', 'S', 'B', 'C'})
	if got := string(m.PeekBlock(CBWBuf, 4)); got != "USBC" {
		t.Errorf("PeekBlock() = %q, want %q", got, "USBC")
	}
}

func TestRegionOf(t *testing.T) {
	tests := []struct {
		addr uint16
		want string
	}{
		{USBCtrl, "usb"},
		{CSWCtrl, "usb"},
		{PHYStatus, "pcie-tunnel"},
		{NVMeCSTS, "nvme"},
		{DMAStatus, "command-engine"},
		{SysEvent, "nvme-event"},
		{Staging + 10, "staging"},
		{0x0000, ""},
	}
	for _, tt := range tests {
		if got := RegionOf(tt.addr); got != tt.want {
			t.Errorf("RegionOf(%v) = %q, want %q", Addr(tt.addr), got, tt.want)
		}
	}
}

func TestPolicyString(t *testing.T) {
	tests := []struct {
		p    Policy
		want string
	}{
		{RW, "RW"},
		{RO, "RO"},
		{W1C, "W1C"},
		{Doorbell, "Doorbell"},
		{Policy(9), "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.p.String(); got != tt.want {
			t.Errorf("Policy(%d).String() = %q, want %q", tt.p, got, tt.want)
		}
	}
}
