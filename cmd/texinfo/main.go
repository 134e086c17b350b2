// Command texinfo inspects texture files through the tile cache: it prints
// resolution, subimage and MIP structure, enumerates UDIM tiles, and can
// extract a pixel region to PNG for eyeballing.
package main

import (
	"flag"
	"fmt"
	"image"
	"image/png"
	"log"
	"os"

	"github.com/echoflaresat/texcache/cache"
	"github.com/echoflaresat/texcache/imageio"
	"github.com/echoflaresat/texcache/texture"
	"github.com/echoflaresat/texcache/udim"
)

type config struct {
	memoryMB  *float64
	maxFiles  *int
	search    *string
	autotile  *int
	automip   *bool
	stats     *int
	extract   *string
	subimage  *int
	mip       *int
	showHelp  *bool
}

func defineFlags() config {
	return config{
		memoryMB: flag.Float64("memory", 256, "Tile cache budget in MB"),
		maxFiles: flag.Int("maxfiles", 100, "Maximum simultaneously open files"),
		search:   flag.String("searchpath", "", "Colon-separated texture search path"),
		autotile: flag.Int("autotile", 64, "Tile size imposed on untiled files (0 disables)"),
		automip:  flag.Bool("automip", false, "Synthesize missing MIP levels"),
		stats:    flag.Int("stats", 1, "Statistics verbosity after the run (0 disables)"),
		extract:  flag.String("extract", "", "Write the full image of the chosen subimage/MIP level to this PNG path"),
		subimage: flag.Int("subimage", 0, "Subimage index for -extract"),
		mip:      flag.Int("mip", 0, "MIP level for -extract"),
		showHelp: flag.Bool("h", false, "Show this help message"),
	}
}

func main() {
	cfg := defineFlags()
	flag.Parse()

	if *cfg.showHelp || flag.NArg() == 0 {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <texture file or UDIM template> ...\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(1)
	}

	ic := cache.Create(false)
	defer cache.Destroy(ic)
	ic.Attribute("max_memory_MB", *cfg.memoryMB)
	ic.Attribute("max_open_files", *cfg.maxFiles)
	ic.Attribute("autotile", *cfg.autotile)
	ic.Attribute("automip", *cfg.automip)
	if *cfg.search != "" {
		ic.Attribute("searchpath", *cfg.search)
	}
	ts := texture.NewTextureSystem(ic)

	for _, name := range flag.Args() {
		if udim.IsTemplate(name) {
			describeTemplate(ic, name)
			continue
		}
		describe(ts, name)
		if *cfg.extract != "" {
			if err := extract(ic, name, *cfg.subimage, *cfg.mip, *cfg.extract); err != nil {
				log.Fatalf("extract %s: %v", name, err)
			}
			fmt.Printf("  wrote %s\n", *cfg.extract)
		}
	}

	if *cfg.stats > 0 {
		fmt.Print(ic.GetStats(*cfg.stats))
	}
}

func describe(ts *texture.TextureSystem, name string) {
	exists, err := ts.GetTextureInfo(name, "exists")
	if err != nil || exists != true {
		fmt.Printf("%s: cannot open", name)
		if msg := ts.Cache().GetError(); msg != "" {
			fmt.Printf(" (%s)", msg)
		}
		fmt.Println()
		return
	}
	res, _ := ts.GetTextureInfo(name, "resolution")
	ch, _ := ts.GetTextureInfo(name, "channels")
	subs, _ := ts.GetTextureInfo(name, "subimages")
	mips, _ := ts.GetTextureInfo(name, "miplevels")
	ttype, _ := ts.GetTextureInfo(name, "texturetype")
	fmt.Printf("%s: %v, %v channels, %v subimage(s), %v MIP level(s), %v\n",
		name, res, ch, subs, mips, ttype)
}

func describeTemplate(ic *cache.ImageCache, tmpl string) {
	grid, err := udim.Inventory(tmpl, ic.SearchPath())
	if err != nil {
		log.Fatalf("inventory %s: %v", tmpl, err)
	}
	fmt.Printf("%s: %d tile(s) across a %dx%d grid\n", tmpl, len(grid.Names), grid.UTiles, grid.VTiles)
	for _, name := range grid.Sorted() {
		fmt.Printf("  %s\n", name)
	}
}

// extract pulls the whole chosen level through GetPixels and encodes it as
// PNG, clamping to at most 4 channels.
func extract(ic *cache.ImageCache, name string, sub, mip int, outPath string) error {
	spec, err := ic.GetImageSpec(name, sub, mip)
	if err != nil {
		return err
	}
	nch := spec.NChannels
	if nch > 4 {
		nch = 4
	}
	roi := imageio.FullROI(&spec)
	roi.ChEnd = nch
	pixels := make([]float32, roi.NPixels()*nch)
	if err := ic.GetPixels(name, sub, mip, roi, pixels); err != nil {
		return err
	}

	img := image.NewNRGBA(image.Rect(0, 0, spec.Width, spec.Height))
	for i := 0; i < spec.Width*spec.Height; i++ {
		px := pixels[i*nch : i*nch+nch]
		var rgba [4]float32
		rgba[3] = 1
		for c := 0; c < nch; c++ {
			rgba[c] = px[c]
		}
		if nch == 1 {
			rgba[1], rgba[2] = rgba[0], rgba[0]
		}
		for c := 0; c < 4; c++ {
			v := rgba[c]
			if v < 0 {
				v = 0
			} else if v > 1 {
				v = 1
			}
			img.Pix[i*4+c] = uint8(v*255 + 0.5)
		}
	}

	f, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, img)
}
