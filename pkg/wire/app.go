package wire

import (
	"fmt"
	"strconv"
)

const (
	ForwardToHub  = byte('1')
	ForwardNone   = byte('0')
	IsFileYes     = byte('1')
	IsFileNo      = byte('0')
	fileNameWidth = 2 // decimal digits, per original_source/star_project/messages.py AppMessage.file_name_length
)

// AppPayload implements the 'A' message. Sender here is the *origin* of the
// broadcast, distinct from the packet header's sender (which may be the hub
// relaying on the origin's behalf) — see SPEC_FULL.md §4.H.
type AppPayload struct {
	Forward  byte
	IsFile   byte
	Sender   string // origin node name, unpadded
	FileName string
	Data     []byte
}

func NewAppText(forward byte, origin, text string) *AppPayload {
	return &AppPayload{Forward: forward, IsFile: IsFileNo, Sender: origin, Data: []byte(text)}
}

func NewAppFile(forward byte, origin, fileName string, data []byte) *AppPayload {
	return &AppPayload{Forward: forward, IsFile: IsFileYes, Sender: origin, FileName: fileName, Data: data}
}

func (a *AppPayload) typeCode() byte { return TypeApp }

func (a *AppPayload) encode() []byte {
	buf := make([]byte, 0, 2+NameSize+len(a.FileName)+len(a.Data)+fileNameWidth)
	buf = append(buf, a.Forward, a.IsFile)
	buf = append(buf, []byte(PadName(a.Sender))...)
	if a.IsFile == IsFileYes {
		buf = append(buf, []byte(fmt.Sprintf("%0*d", fileNameWidth, len(a.FileName)))...)
		buf = append(buf, []byte(a.FileName)...)
	}
	buf = append(buf, a.Data...)
	return buf
}

func decodeApp(body []byte) (Payload, error) {
	if len(body) < 2+NameSize {
		return nil, ErrMalformedPayload
	}
	forward := body[0]
	isFile := body[1]
	sender := trimName(string(body[2 : 2+NameSize]))
	rest := body[2+NameSize:]

	if isFile != IsFileYes {
		return &AppPayload{Forward: forward, IsFile: isFile, Sender: sender, Data: append([]byte(nil), rest...)}, nil
	}

	if len(rest) < fileNameWidth {
		return nil, ErrMalformedPayload
	}
	nameLen, err := strconv.Atoi(string(rest[:fileNameWidth]))
	if err != nil || len(rest) < fileNameWidth+nameLen {
		return nil, ErrMalformedPayload
	}
	fileName := string(rest[fileNameWidth : fileNameWidth+nameLen])
	data := rest[fileNameWidth+nameLen:]
	return &AppPayload{
		Forward:  forward,
		IsFile:   isFile,
		Sender:   sender,
		FileName: fileName,
		Data:     append([]byte(nil), data...),
	}, nil
}
