package pagetext

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/calaider/calaider/internal/applog"
)

const captureTimeout = 30 * time.Second

// CaptureText renders a URL in headless Chromium and returns the page's
// visible text. Slower than FetchReadable but sees script-rendered content.
func CaptureText(parentCtx context.Context, url string) (string, error) {
	ctx, cancel := chromedp.NewContext(parentCtx)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, captureTimeout)
	defer cancelTimeout()

	var text string
	err := chromedp.Run(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body"),
		chromedp.Evaluate(`document.body.innerText`, &text),
	)
	if err != nil {
		return "", fmt.Errorf("capture %s: %w", url, err)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("capture %s: page has no visible text", url)
	}
	if len(text) > MaxPayloadLen {
		text = text[:MaxPayloadLen]
	}
	applog.Info("pagetext.capture", "url", url, "len", len(text))
	return text, nil
}
