/**

common serialize/deserialize functions

 */
package serializer

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// writes the field length, then the field to the writer
func WriteFieldBytes(buf *bufio.Writer, bytes []byte) error {
	//write field length
	size := uint32(len(bytes))
	if err := binary.Write(buf, binary.LittleEndian, &size); err != nil {
		return err
	}
	// write field
	n, err := buf.Write(bytes)
	if err != nil {
		return err
	}
	if uint32(n) != size {
		return fmt.Errorf("unexpected num bytes written. Expected %v, got %v", size, n)
	}
	return nil
}

// read field bytes
func ReadFieldBytes(buf *bufio.Reader) ([]byte, error) {
	var size uint32
	if err := binary.Read(buf, binary.LittleEndian, &size); err != nil {
		return nil, err
	}

	bytes := make([]byte, size)
	n, err := io.ReadFull(buf, bytes)
	if err != nil {
		return nil, err
	}
	if uint32(n) != size {
		return nil, fmt.Errorf("unexpected num bytes read. Expected %v, got %v", size, n)
	}
	return bytes, nil
}

// writes a length prefixed string field
func WriteFieldString(buf *bufio.Writer, str string) error {
	return WriteFieldBytes(buf, []byte(str))
}

// reads a length prefixed string field
func ReadFieldString(buf *bufio.Reader) (string, error) {
	bytes, err := ReadFieldBytes(buf)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

// writes a fixed size uint64 field
func WriteFieldUint64(buf *bufio.Writer, val uint64) error {
	return binary.Write(buf, binary.LittleEndian, &val)
}

// reads a fixed size uint64 field
func ReadFieldUint64(buf *bufio.Reader) (uint64, error) {
	var val uint64
	if err := binary.Read(buf, binary.LittleEndian, &val); err != nil {
		return 0, err
	}
	return val, nil
}

// writes a fixed size int64 field
func WriteFieldInt64(buf *bufio.Writer, val int64) error {
	return binary.Write(buf, binary.LittleEndian, &val)
}

// reads a fixed size int64 field
func ReadFieldInt64(buf *bufio.Reader) (int64, error) {
	var val int64
	if err := binary.Read(buf, binary.LittleEndian, &val); err != nil {
		return 0, err
	}
	return val, nil
}

// writes a single byte field
func WriteFieldUint8(buf *bufio.Writer, val uint8) error {
	return buf.WriteByte(val)
}

// reads a single byte field
func ReadFieldUint8(buf *bufio.Reader) (uint8, error) {
	return buf.ReadByte()
}

// writes a bool as a single byte field
func WriteFieldBool(buf *bufio.Writer, val bool) error {
	b := uint8(0)
	if val {
		b = 1
	}
	return buf.WriteByte(b)
}

// reads a single byte bool field
func ReadFieldBool(buf *bufio.Reader) (bool, error) {
	b, err := buf.ReadByte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

// writes the number of strings, then each string as a field
func WriteFieldStringList(buf *bufio.Writer, strs []string) error {
	size := uint32(len(strs))
	if err := binary.Write(buf, binary.LittleEndian, &size); err != nil {
		return err
	}
	for _, str := range strs {
		if err := WriteFieldString(buf, str); err != nil {
			return err
		}
	}
	return nil
}

// reads a list of string fields
func ReadFieldStringList(buf *bufio.Reader) ([]string, error) {
	var size uint32
	if err := binary.Read(buf, binary.LittleEndian, &size); err != nil {
		return nil, err
	}
	strs := make([]string, size)
	for i := range strs {
		str, err := ReadFieldString(buf)
		if err != nil {
			return nil, err
		}
		strs[i] = str
	}
	return strs, nil
}
