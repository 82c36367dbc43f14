package broker

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// encodeMember packs a delivery's metadata and JSON payload into the
// single opaque string Redis lists store as a member. Format:
// "<taskID>|<queue>|<priority>|<base64(payload)>".
func encodeMember(taskID, queue string, priority int, payload []byte) string {
	return strings.Join([]string{
		taskID,
		queue,
		strconv.Itoa(priority),
		base64.StdEncoding.EncodeToString(payload),
	}, "|")
}

func decodeMember(member string) (taskID, queue string, priority int, payload []byte, err error) {
	parts := strings.SplitN(member, "|", 4)
	if len(parts) != 4 {
		return "", "", 0, nil, fmt.Errorf("broker: malformed queue member")
	}
	priority, err = strconv.Atoi(parts[2])
	if err != nil {
		return "", "", 0, nil, fmt.Errorf("broker: malformed priority: %w", err)
	}
	payload, err = base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return "", "", 0, nil, fmt.Errorf("broker: malformed payload: %w", err)
	}
	return parts[0], parts[1], priority, payload, nil
}
