package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// =============================================================================
// pageFuncs holds function fields over a rod.Page so tests need no browser.
// =============================================================================

type pageFuncs struct {
	navigate  func(url string) error
	waitLoad  func() error
	html      func() (string, error)
	location  func() (string, error)
	closePage func()
}

// rodLaunchFunc launches a headless browser and returns a DevTools URL.
var rodLaunchFunc = func() (string, error) {
	return launcher.New().Headless(true).Launch()
}

// rodConnectFunc creates and connects a rod.Browser to the given DevTools URL.
var rodConnectFunc = func(controlURL string) (*rod.Browser, error) {
	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		return nil, err
	}
	return b, nil
}

// rodCreatePageFunc opens a blank page bound to ctx.
var rodCreatePageFunc = func(ctx context.Context, b *rod.Browser) (pageFuncs, error) {
	p, err := b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return pageFuncs{}, err
	}
	p = p.Context(ctx)
	return pageFuncs{
		navigate: func(url string) error { return p.Navigate(url) },
		waitLoad: func() error { return p.WaitLoad() },
		html:     func() (string, error) { return p.HTML() },
		location: func() (string, error) {
			info, err := p.Info()
			if err != nil {
				return "", err
			}
			return info.URL, nil
		},
		closePage: func() { p.Close() },
	}, nil
}

// RodFetcher renders pages in headless Chrome for realtor sites that build
// their listing with JavaScript. The browser starts on first use and each
// fetch gets its own page.
type RodFetcher struct {
	once    sync.Once
	browser *rod.Browser
	err     error
	logger  *slog.Logger
}

// NewRodFetcher returns a RodFetcher. No browser is launched until Get.
func NewRodFetcher(logger *slog.Logger) *RodFetcher {
	return &RodFetcher{logger: logger}
}

func (f *RodFetcher) log() *slog.Logger {
	if f.logger != nil {
		return f.logger
	}
	return slog.Default()
}

func (f *RodFetcher) start() (*rod.Browser, error) {
	f.once.Do(func() {
		controlURL, err := rodLaunchFunc()
		if err != nil {
			f.err = fmt.Errorf("provider: launch browser: %w", err)
			return
		}
		b, err := rodConnectFunc(controlURL)
		if err != nil {
			f.err = fmt.Errorf("provider: connect browser: %w", err)
			return
		}
		f.log().Info("headless browser started")
		f.browser = b
	})
	return f.browser, f.err
}

// Get navigates to url, waits for the load event and returns the rendered DOM.
func (f *RodFetcher) Get(ctx context.Context, url string) (*Page, error) {
	b, err := f.start()
	if err != nil {
		return nil, err
	}
	fns, err := rodCreatePageFunc(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("provider: create page: %w", err)
	}
	defer fns.closePage()

	if err := fns.navigate(url); err != nil {
		return nil, fmt.Errorf("provider: navigate %s: %w", url, err)
	}
	if err := fns.waitLoad(); err != nil {
		return nil, fmt.Errorf("provider: page load %s: %w", url, err)
	}
	html, err := fns.html()
	if err != nil {
		return nil, fmt.Errorf("provider: read rendered html: %w", err)
	}
	final, err := fns.location()
	if err != nil || final == "" {
		final = url
	}
	return &Page{Body: []byte(html), FinalURL: final}, nil
}

// safeCloseBrowser closes the browser, recovering from any panic that may
// occur if it was never fully connected.
func safeCloseBrowser(b *rod.Browser) {
	defer func() { recover() }()
	b.Close()
}

// Close shuts the browser down if it was started.
func (f *RodFetcher) Close() error {
	if f.browser != nil {
		safeCloseBrowser(f.browser)
	}
	return nil
}
