package codec

import (
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
)

// ADTSHeaderSize is the size of an ADTS header without CRC
const ADTSHeaderSize = 7

const maxADTSFrameLength = 1<<13 - 1

var adtsSampleRates = []int{
	96000, 88200, 64000, 48000, 44100, 32000,
	24000, 22050, 16000, 12000, 11025, 8000, 7350,
}

// ParseAudioSpecificConfig decodes an AAC AudioSpecificConfig
func ParseAudioSpecificConfig(data []byte) (*mpeg4audio.AudioSpecificConfig, error) {
	var config mpeg4audio.AudioSpecificConfig
	if err := config.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("failed to parse AudioSpecificConfig: %w", err)
	}
	return &config, nil
}

// ADTSHeader builds the 7-byte ADTS header for a raw AAC frame of
// payloadLength bytes described by config
func ADTSHeader(config *mpeg4audio.AudioSpecificConfig, payloadLength int) ([]byte, error) {
	frequencyIndex := -1
	for i, rate := range adtsSampleRates {
		if rate == config.SampleRate {
			frequencyIndex = i
			break
		}
	}
	if frequencyIndex < 0 {
		return nil, fmt.Errorf("sample rate %d has no ADTS index", config.SampleRate)
	}

	channelConfig := config.ChannelCount
	if channelConfig == 8 {
		channelConfig = 7
	}
	if channelConfig < 1 || channelConfig > 7 {
		return nil, fmt.Errorf("channel count %d not representable in ADTS", config.ChannelCount)
	}

	frameLength := ADTSHeaderSize + payloadLength
	if frameLength > maxADTSFrameLength {
		return nil, fmt.Errorf("AAC frame too large for ADTS: %d bytes", payloadLength)
	}

	profile := int(config.Type) - 1

	header := make([]byte, ADTSHeaderSize)
	header[0] = 0xFF
	// MPEG-4, layer 0, protection absent
	header[1] = 0xF1
	header[2] = byte(profile&0x03)<<6 | byte(frequencyIndex&0x0F)<<2 | byte(channelConfig>>2)&0x01
	header[3] = byte(channelConfig&0x03)<<6 | byte(frameLength>>11)&0x03
	header[4] = byte(frameLength >> 3)
	// buffer fullness 0x7FF (VBR)
	header[5] = byte(frameLength&0x07)<<5 | 0x1F
	header[6] = 0xFC
	return header, nil
}
