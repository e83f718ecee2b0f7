package spider

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"github.com/siskinc/scrapyengine/demo/80s-spider/pipelines"
	"github.com/siskinc/scrapyengine/stages/downloader"
	spiderstage "github.com/siskinc/scrapyengine/stages/spider"
)

// Identifier is the name this package registers Movie80sSpider under with
// spiderstage.Register, for any binary that imports this package.
const Identifier = "80s-movie"

func init() {
	spiderstage.Register(Identifier, func() spiderstage.Spider {
		return &Movie80sSpider{}
	})
}

const (
	ConfigUrlType    = "type"
	ConfigUrlInfo    = "info"
	ConfigMovieTitle = "title"
	UrlPre           = "http://8080s.net"
)

const (
	UrlTypeMovie int = iota
	UrlTypeTeleplay
)

const (
	ConfigUrlInfoPage int = iota
	ConfigUrlInfoDetail
)

const (
	VideoTypeMovie    uint64 = iota + 1
	VideoTypeTeleplay
	VideoTypeShort
)

// Movie80sSpider implements spiderstage.Spider against a simple movie
// listing site: page one's listing links to detail pages, and the listing
// itself paginates, both of which Parse discovers and schedules as it goes.
type Movie80sSpider struct {
	PageNumber uint64
}

func (s *Movie80sSpider) Parse(ctx *spiderstage.ParseContext, resp *downloader.Response) {
	urlType, _ := resp.Config[ConfigUrlType].(int)
	logrus.Infof("new response, url: %s, url type: %d", resp.HTTPResponse.Request.URL, urlType)
	httpResp := resp.HTTPResponse
	if httpResp.StatusCode != http.StatusOK {
		logrus.Errorf("url %s, status code is %d", httpResp.Request.URL, httpResp.StatusCode)
		return
	}
	switch urlType {
	case UrlTypeMovie:
		s.parseMovie(ctx, resp)
	case UrlTypeTeleplay:
		s.parseTeleplay(ctx, resp)
	default:
		logrus.Errorf("url type is invalid: %d", urlType)
	}
}

func (s *Movie80sSpider) parseMovie(ctx *spiderstage.ParseContext, resp *downloader.Response) {
	urlInfo, _ := resp.Config[ConfigUrlInfo].(int)
	switch urlInfo {
	case ConfigUrlInfoPage:
		s.parseMoviePage(ctx, resp)
	case ConfigUrlInfoDetail:
		s.parseMovieDetail(ctx, resp)
	default:
		logrus.Errorf("url info is invalid: %d", urlInfo)
	}
}

func (s *Movie80sSpider) parseMoviePage(ctx *spiderstage.ParseContext, resp *downloader.Response) {
	httpResp := resp.HTTPResponse
	defer httpResp.Body.Close()
	document, err := goquery.NewDocumentFromReader(httpResp.Body)
	if err != nil {
		logrus.WithError(err).Error("parse movie page: new document from reader")
		return
	}
	document.Find(".me1 li>a").Each(func(i int, selection *goquery.Selection) {
		href, exist := selection.Attr("href")
		if !exist {
			return
		}
		title, exist := selection.Attr("title")
		if !exist {
			return
		}
		detailURL := fmt.Sprintf("%s%s", UrlPre, href)
		httpReq, err := http.NewRequest(http.MethodGet, detailURL, nil)
		if err != nil {
			logrus.WithError(err).Error("parse movie page: new request")
			return
		}
		ctx.ScheduleRequest(&downloader.Request{
			HTTPRequest: httpReq,
			Config: map[string]any{
				ConfigUrlType:    UrlTypeMovie,
				ConfigMovieTitle: title,
				ConfigUrlInfo:    ConfigUrlInfoDetail,
			},
		})
	})

	if s.PageNumber == 0 {
		document.Find(".pager>a").Each(func(i int, selection *goquery.Selection) {
			pageURL, _ := selection.Attr("href")
			index := strings.Index(pageURL, "p")
			if index <= 0 {
				return
			}
			page, err := strconv.ParseUint(pageURL[index+1:], 10, 64)
			if err != nil {
				logrus.WithError(err).Errorf("parse movie page: page number from %q", pageURL)
				return
			}
			s.PageNumber = page
		})
		for i := uint64(2); i <= s.PageNumber; i++ {
			pageURL := fmt.Sprintf("%s/movie/list/-----p%d", UrlPre, i)
			httpReq, err := http.NewRequest(http.MethodGet, pageURL, nil)
			if err != nil {
				logrus.WithError(err).Errorf("parse movie page: new request for %q", pageURL)
				continue
			}
			ctx.ScheduleRequest(&downloader.Request{
				HTTPRequest: httpReq,
				Config: map[string]any{
					ConfigUrlType: UrlTypeMovie,
					ConfigUrlInfo: ConfigUrlInfoPage,
				},
			})
		}
	}
}

func (s *Movie80sSpider) parseMovieDetail(ctx *spiderstage.ParseContext, resp *downloader.Response) {
	httpResp := resp.HTTPResponse
	defer httpResp.Body.Close()
	document, err := goquery.NewDocumentFromReader(httpResp.Body)
	if err != nil {
		logrus.WithError(err).Error("parse movie detail: new document from reader")
		return
	}
	title, _ := resp.Config[ConfigMovieTitle].(string)
	var xunleiList []string
	document.Find(".xunlei.dlbutton1 a").Each(func(i int, selection *goquery.Selection) {
		href, exist := selection.Attr("href")
		if !exist {
			return
		}
		xunleiList = append(xunleiList, href)
	})
	ctx.EmitItem(&pipelines.VideoItem{
		Title:  title,
		SrcUrl: httpResp.Request.URL.String(),
		BtUrl:  strings.Join(xunleiList, "|"),
		Type:   VideoTypeMovie,
	})
}

func (s *Movie80sSpider) parseTeleplay(ctx *spiderstage.ParseContext, resp *downloader.Response) {
}
