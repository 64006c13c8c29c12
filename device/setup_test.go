package device

import (
	"testing"

	"github.com/ardnew/softbridge/regbus"
)

func TestParseSetupPacket(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		want    SetupPacket
		wantErr bool
	}{
		{
			name: "GET_DESCRIPTOR device",
			data: []byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00},
			want: SetupPacket{RequestType: 0x80, Request: 0x06, Value: 0x0100, Length: 18},
		},
		{
			name: "SET_ADDRESS",
			data: []byte{0x00, 0x05, 0x07, 0x00, 0x00, 0x00, 0x00, 0x00},
			want: SetupPacket{Request: 0x05, Value: 7},
		},
		{
			name: "CLEAR_FEATURE halt EP1 IN",
			data: []byte{0x02, 0x01, 0x00, 0x00, 0x81, 0x00, 0x00, 0x00},
			want: SetupPacket{RequestType: 0x02, Request: 0x01, Index: 0x81},
		},
		{
			name:    "too short",
			data:    []byte{0x80, 0x06, 0x00},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got SetupPacket
			err := ParseSetupPacket(tt.data, &got)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSetupPacket() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseSetupPacket() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestReadSetupPacket(t *testing.T) {
	bus := regbus.NewMemory()
	want := GetDescriptorSetup(DescriptorTypeBOS, 0, 5)
	var raw [SetupPacketSize]byte
	want.MarshalTo(raw[:])
	bus.PokeBlock(regbus.Setup, raw[:])

	var got SetupPacket
	ReadSetupPacket(bus, &got)
	if got != want {
		t.Errorf("ReadSetupPacket() = %+v, want %+v", got, want)
	}
}

func TestSetupPacketFields(t *testing.T) {
	s := GetDescriptorSetup(DescriptorTypeString, 3, 255)
	if !s.IsDeviceToHost() || !s.IsStandard() || s.IsClass() {
		t.Errorf("GetDescriptorSetup() flags wrong: %s", s.String())
	}
	if s.DescriptorType() != DescriptorTypeString || s.DescriptorIndex() != 3 {
		t.Errorf("DescriptorType/Index = %d/%d, want 3/3", s.DescriptorType(), s.DescriptorIndex())
	}

	r := BulkOnlyResetSetup(0)
	if r.IsDeviceToHost() || !r.IsClass() || r.Recipient() != RequestRecipientInterface {
		t.Errorf("BulkOnlyResetSetup() = %s", r.String())
	}
	if r.RequestType != 0x21 || r.Request != 0xFF {
		t.Errorf("BulkOnlyResetSetup() = %02X/%02X, want 21/FF", r.RequestType, r.Request)
	}

	m := GetMaxLUNSetup(0)
	if m.RequestType != 0xA1 || m.Request != 0xFE || m.Length != 1 {
		t.Errorf("GetMaxLUNSetup() = %+v", m)
	}

	c := ClearFeatureSetup(RequestRecipientEndpoint, FeatureEndpointHalt, 0x81)
	if c.EndpointAddress() != 0x81 || c.Recipient() != RequestRecipientEndpoint {
		t.Errorf("ClearFeatureSetup() = %+v", c)
	}
}

func TestSetupPacketString(t *testing.T) {
	s := SetAddressSetup(5)
	want := "SETUP[OUT Standard Device] Request=0x05 Value=0x0005 Index=0x0000 Length=0"
	if got := s.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
