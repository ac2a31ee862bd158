package heartbeat

import (
	"context"
	"fmt"

	"github.com/iotali/device-agent/internal/httpx"
)

type robotListResponse struct {
	Code int `json:"code"`
	Data struct {
		List []struct {
			RobotCode string `json:"robotCode"`
		} `json:"list"`
	} `json:"data"`
}

// ResolveRobotCode looks up this host's robot code from the fleet's robot
// listing endpoint, keyed by MAC address.
func ResolveRobotCode(ctx context.Context, client *httpx.Client, baseURL, mac string) (string, error) {
	url := fmt.Sprintf("%s/robot/list?robotMac=%s&pageNum=1&pageSize=10", baseURL, mac)
	var resp robotListResponse
	if err := client.GetJSON(ctx, url, &resp); err != nil {
		return "", err
	}
	if len(resp.Data.List) == 0 {
		return "", fmt.Errorf("heartbeat: no robot found for mac %s", mac)
	}
	return resp.Data.List[0].RobotCode, nil
}

// Topic builds the robot-scoped heartbeat topic.
func Topic(robotCode string) string {
	return "/robot/" + robotCode + "/heartbeat"
}
