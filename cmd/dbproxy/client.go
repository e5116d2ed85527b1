package main

import (
    "bytes"
    "encoding/json"
    "fmt"
    "io"
    "net/http"
    "os"
    "time"

    "github.com/fatih/color"
    "github.com/olekukonko/tablewriter"
)

var (
    green = color.New(color.FgGreen).SprintFunc()
    red   = color.New(color.FgRed).SprintFunc()
    bold  = color.New(color.Bold).SprintFunc()
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

// adminRequest issues an HTTP request against the running process's admin
// API and decodes the JSON body into out (skipped if out is nil).
func adminRequest(method, path string, body interface{}, out interface{}) error {
    var reqBody io.Reader
    if body != nil {
        buf, err := json.Marshal(body)
        if err != nil {
            return err
        }
        reqBody = bytes.NewReader(buf)
    }

    req, err := http.NewRequest(method, adminAddr+path, reqBody)
    if err != nil {
        return err
    }
    if body != nil {
        req.Header.Set("Content-Type", "application/json")
    }

    resp, err := httpClient.Do(req)
    if err != nil {
        return fmt.Errorf("contacting admin API at %s: %w", adminAddr, err)
    }
    defer resp.Body.Close()

    respBody, err := io.ReadAll(resp.Body)
    if err != nil {
        return err
    }

    if resp.StatusCode >= 300 {
        var apiErr struct {
            Error string `json:"error"`
        }
        if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
            return fmt.Errorf("%s", apiErr.Error)
        }
        return fmt.Errorf("admin API returned %s", resp.Status)
    }

    if out != nil && len(respBody) > 0 {
        return json.Unmarshal(respBody, out)
    }
    return nil
}

func printResult(raw interface{}, rows [][2]string) {
    if jsonOut {
        enc := json.NewEncoder(os.Stdout)
        enc.SetIndent("", "  ")
        enc.Encode(raw)
        return
    }
    table := tablewriter.NewWriter(os.Stdout)
    table.SetHeader([]string{"Field", "Value"})
    table.SetBorder(false)
    table.SetAutoWrapText(false)
    for _, r := range rows {
        table.Append([]string{r[0], r[1]})
    }
    table.Render()
}

func printOK(msg string) {
    if jsonOut {
        json.NewEncoder(os.Stdout).Encode(map[string]string{"status": msg})
        return
    }
    fmt.Printf("%s %s\n", green("✓"), msg)
}

func printFailed(err error) error {
    if !jsonOut {
        fmt.Fprintf(os.Stderr, "%s %v\n", red("✗"), err)
    }
    return err
}
