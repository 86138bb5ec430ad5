package incidentlog

import (
    "bytes"
    "context"
    "encoding/json"
    "fmt"
    "net/http"
    "strings"
    "time"
)

// Client reports emergencies to a remote incident-log server. Reporting is
// best-effort; the mesh core never blocks on it.
type Client struct {
    base string
    http *http.Client
}

func NewClient(baseURL string) *Client {
    return &Client{
        base: strings.TrimRight(baseURL, "/"),
        http: &http.Client{Timeout: 10 * time.Second},
    }
}

// Report files one emergency and returns the server-assigned incident.
func (c *Client) Report(ctx context.Context, req CreateRequest) (Incident, error) {
    body, err := json.Marshal(req)
    if err != nil {
        return Incident{}, err
    }
    hr, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/emergencies", bytes.NewReader(body))
    if err != nil {
        return Incident{}, err
    }
    hr.Header.Set("Content-Type", "application/json")

    resp, err := c.http.Do(hr)
    if err != nil {
        return Incident{}, err
    }
    defer resp.Body.Close()
    if resp.StatusCode != http.StatusCreated {
        return Incident{}, fmt.Errorf("incident server returned %s", resp.Status)
    }
    var in Incident
    if err := json.NewDecoder(resp.Body).Decode(&in); err != nil {
        return Incident{}, err
    }
    return in, nil
}
