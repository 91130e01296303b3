package store

import (
	"strings"

	"github.com/klauspost/compress/zstd"

	pkgerr "github.com/waldiez/studio/pkg/errors"
)

// 编解码器复用; zstd.Encoder / Decoder 可并发使用。
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("store: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("store: zstd decoder initialization failed: " + err.Error())
	}
}

// EncodeTranscript 把控制台行压缩为一个 zstd 帧 (行间以 '\n' 分隔)。
func EncodeTranscript(lines []string) []byte {
	return zstdEncoder.EncodeAll([]byte(strings.Join(lines, "\n")), nil)
}

// DecodeTranscript EncodeTranscript 的逆操作。
func DecodeTranscript(data []byte) ([]string, error) {
	if len(data) == 0 {
		return []string{}, nil
	}
	raw, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, pkgerr.Wrap(err, "store.DecodeTranscript", "zstd decompress")
	}
	if len(raw) == 0 {
		return []string{}, nil
	}
	return strings.Split(string(raw), "\n"), nil
}
