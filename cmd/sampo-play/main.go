package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sampoaudio/sampo"
	"github.com/sampoaudio/sampo/engine"
	"github.com/sampoaudio/sampo/midiin"
	"github.com/sampoaudio/sampo/oto"
	"github.com/sampoaudio/sampo/version"
)

func main() {
	play := flag.Bool("p", false, "Play the kit live (default when no other output is chosen).")
	wavOut := flag.Bool("w", false, "Bounce the kit offline and write a .wav file.")
	pcm := flag.Bool("c", false, "Convert audio to 16-bit signed PCM when writing the .wav.")
	directory := flag.String("o", "", "Directory for output files. Defaults to the kit file's directory.")
	seconds := flag.Float64("t", 16, "Length of the offline bounce in seconds.")
	midiPrefix := flag.String("midi", "", "Open the MIDI input whose name starts with this prefix, for pad triggering.")
	firstMidi := flag.Bool("first-midi", false, "Open the first available MIDI input.")
	seed := flag.Int64("seed", 1, "Random seed for rule and route probabilities.")
	versionFlag := flag.Bool("v", false, "Print version.")
	help := flag.Bool("h", false, "Show help.")
	flag.Usage = printUsage
	flag.Parse()
	if *versionFlag {
		fmt.Println(version.VersionOrHash)
		os.Exit(0)
	}
	if flag.NArg() == 0 || *help {
		flag.Usage()
		os.Exit(0)
	}
	if !*wavOut {
		*play = true
	}
	kitFile := flag.Arg(0)
	data, err := os.ReadFile(kitFile)
	if err != nil {
		log.Fatalf("could not read kit: %v", err)
	}
	kit, err := sampo.ParseKit(data)
	if err != nil {
		log.Fatalf("could not parse kit: %v", err)
	}
	audio, err := loadSources(kit, filepath.Dir(kitFile))
	if err != nil {
		log.Fatal(err)
	}
	if *wavOut {
		buffer, err := bounce(kit, audio, *seconds, *seed)
		if err != nil {
			log.Fatalf("bounce failed: %v", err)
		}
		contents, err := sampo.Wav(buffer, *pcm)
		if err != nil {
			log.Fatalf("could not encode wav: %v", err)
		}
		dir := *directory
		if dir == "" {
			dir = filepath.Dir(kitFile)
		}
		name := strings.TrimSuffix(filepath.Base(kitFile), filepath.Ext(kitFile)) + ".wav"
		target := filepath.Join(dir, name)
		if err := os.WriteFile(target, contents, 0644); err != nil {
			log.Fatalf("could not write %v: %v", target, err)
		}
		fmt.Println("wrote", target)
	}
	if *play {
		if err := playLive(kit, audio, *seed, *midiPrefix, *firstMidi); err != nil {
			log.Fatal(err)
		}
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Sampo is a generative slice triggering engine.\nUsage: %s [flags] kit.yml\n", os.Args[0])
	flag.PrintDefaults()
}

// loadSources decodes every sample file the kit names, relative to the kit
// file's directory.
func loadSources(kit sampo.Kit, dir string) (map[string]*sampo.DecodedAudio, error) {
	audio := make(map[string]*sampo.DecodedAudio, len(kit.Sources))
	for _, src := range kit.Sources {
		path := src.File
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("source %q: %w", src.Name, err)
		}
		decoded, err := readWav(data)
		if err != nil {
			return nil, fmt.Errorf("source %q: %w", src.Name, err)
		}
		audio[src.Name] = decoded
	}
	return audio, nil
}

// playLive wires the engine to the audio device and plays the kit's pattern
// loop until interrupted. MIDI note input, if requested, triggers pads.
func playLive(kit sampo.Kit, audio map[string]*sampo.DecodedAudio, seed int64, midiPrefix string, firstMidi bool) error {
	eng := engine.NewEngine(engine.Options{
		Seed: seed,
		OnAlert: func(a engine.Alert) {
			log.Printf("%s: %s", a.Name, a.Message)
		},
	})
	defer eng.Close()
	for _, src := range kit.Sources {
		fx, enabled := engine.FXPresets[src.FXPreset]
		if err := eng.AddSource(src.Name, audio[src.Name], src.Slices, fx, enabled, src.Protected); err != nil {
			return err
		}
	}
	eng.SetRules(kit.Rules)
	eng.SetRoutes(kit.Routes)
	eng.SetBPM(kit.BPM)
	eng.SetSwing(kit.Swing)
	if kit.TicksPerBeat > 0 {
		eng.SetTicksPerBeat(kit.TicksPerBeat)
	}
	eng.Schedule(kit.Triggers()...)
	if loop := kit.LoopBeats(); loop > 0 {
		eng.SetLoop(0, loop)
	}

	ctx, err := oto.NewContext()
	if err != nil {
		return fmt.Errorf("could not acquire audio device: %w", err)
	}
	player := eng.Player()
	stream := ctx.Play(player.Process)
	defer stream.Close()

	if midiPrefix != "" || firstMidi {
		midiCtx := midiin.NewContext()
		defer midiCtx.Close()
		pads := padMap(kit)
		fire := func(source string, slice int, velocity float64) {
			if err := eng.TriggerPad(source, slice, velocity); err != nil {
				log.Printf("pad trigger: %v", err)
			}
		}
		if err := midiCtx.TryToOpenBy(midiPrefix, firstMidi, pads, fire); err != nil {
			log.Printf("MIDI: %v", err)
		}
	}

	eng.Play()
	fmt.Println("playing; ctrl-c to stop")
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	<-interrupt
	eng.Stop(true)
	return nil
}

// padMap lays the kit's sources out over consecutive MIDI notes from 36
// (the common pad controller base note).
func padMap(kit sampo.Kit) midiin.PadMap {
	pads := midiin.PadMap{Base: 36}
	for _, src := range kit.Sources {
		pads.Banks = append(pads.Banks, midiin.PadBank{Source: src.Name, Slices: len(src.Slices)})
	}
	return pads
}

// bounce renders the kit offline by driving the player directly with the
// same messages the live engine sends, block by block, faster than real
// time. Rules and routes apply exactly as live.
func bounce(kit sampo.Kit, audio map[string]*sampo.DecodedAudio, seconds float64, seed int64) (sampo.AudioBuffer, error) {
	broker := engine.NewBroker()
	player := engine.NewPlayer(broker)
	pool := engine.NewSlicePool(broker, 0)
	rules := engine.NewRuleEngine(seed)
	router := engine.NewRouter(seed + 1)

	banks := make(map[string]engine.BankHandle, len(kit.Sources))
	index := make(map[string]int, len(kit.Sources))
	strips := make([]engine.SourceStrip, 0, len(kit.Sources))
	for i, src := range kit.Sources {
		h, err := pool.LoadBank(src.Name, audio[src.Name], src.Slices)
		if err != nil {
			return nil, err
		}
		banks[src.Name] = h
		index[src.Name] = i
		fx, enabled := engine.FXPresets[src.FXPreset]
		strips = append(strips, engine.SourceStrip{Name: src.Name, FX: fx, FXEnabled: enabled})
	}
	broker.ToPlayer <- engine.SourcesMsg{Strips: strips}
	ticksPerBeat := kit.TicksPerBeat
	if ticksPerBeat <= 0 {
		ticksPerBeat = 4
	}
	broker.ToPlayer <- engine.TempoMsg{BPM: kit.BPM, TicksPerBeat: ticksPerBeat, Swing: kit.Swing}
	broker.ToPlayer <- engine.TransportMsg{Playing: true, Beat: 0}

	triggers := expandLoop(kit, seconds)
	send := func(t sampo.Trigger) {
		idx, ok := index[t.Source]
		if !ok {
			return
		}
		m := rules.Evaluate(kit.Rules, t.Source, t.Slice, t.Opts.VelocityOrDefault(), t.Beat, pool.NumSlices(banks[t.Source]))
		if m.Skip {
			return
		}
		opts := t.Opts
		opts.Velocity = m.Velocity
		opts.PitchShift += m.Pitch
		if m.Reverse {
			opts.Reverse = !opts.Reverse
		}
		sendResolved(broker, pool, banks[t.Source], idx, m.Slice, t.Beat, opts)
		if m.Retrigger {
			sendResolved(broker, pool, banks[t.Source], idx, m.Slice, t.Beat+0.5/float64(ticksPerBeat), opts)
		}
		derived := router.Fan(kit.Routes, t.Source, m.Slice, m.Velocity, t.Beat, func(name string) int {
			return pool.NumSlices(banks[name])
		})
		for _, d := range derived {
			dIdx, ok := index[d.Target]
			if !ok {
				continue
			}
			dOpts := sampo.TriggerOpts{Velocity: d.Velocity, PitchShift: d.PitchShift}
			sendResolved(broker, pool, banks[d.Target], dIdx, d.Slice, d.Beat, dOpts)
		}
	}

	const blockFrames = 512
	frames := int(seconds * sampo.SampleRate)
	framesPerBeat := sampo.SampleRate * 60 / kit.BPM
	out := make(sampo.AudioBuffer, 0, frames)
	block := make(sampo.AudioBuffer, blockFrames)
	next := 0
	for rendered := 0; rendered < frames; rendered += blockFrames {
		// hand the player everything due within the next two blocks
		horizon := float64(rendered+2*blockFrames) / framesPerBeat
		for next < len(triggers) && triggers[next].Beat <= horizon {
			send(triggers[next])
			next++
		}
		player.Process(block)
		out = append(out, block...)
		drainModel(broker)
	}
	return out, nil
}

// expandLoop repeats the kit's pattern loop to cover the render length.
func expandLoop(kit sampo.Kit, seconds float64) []sampo.Trigger {
	base := kit.Triggers()
	loop := kit.LoopBeats()
	totalBeats := seconds / 60 * kit.BPM
	triggers := base
	if loop > 0 {
		triggers = nil
		for offset := 0.0; offset < totalBeats; offset += loop {
			for _, t := range base {
				t.Beat += offset
				triggers = append(triggers, t)
			}
		}
	}
	sort.SliceStable(triggers, func(i, j int) bool { return triggers[i].Beat < triggers[j].Beat })
	return triggers
}

func sendResolved(broker *engine.Broker, pool *engine.SlicePool, bank engine.BankHandle, source, slice int, beat float64, opts sampo.TriggerOpts) {
	var (
		buf *engine.SliceBuffer
		err error
	)
	if opts.Reverse {
		buf, err = pool.Reversed(bank, slice)
	} else {
		buf, err = pool.Slice(bank, slice)
	}
	if err != nil {
		log.Printf("skipping trigger: %v", err)
		return
	}
	broker.ToPlayer <- engine.TriggerMsg{Beat: beat, Source: source, Slice: slice, Buf: buf, Opts: opts}
}

// drainModel empties the player's outbound messages so the audio buffer
// pool keeps cycling during the offline render.
func drainModel(broker *engine.Broker) {
	for {
		select {
		case msg := <-broker.ToModel:
			if buf, ok := msg.Data.(*sampo.AudioBuffer); ok {
				broker.PutAudioBuffer(buf)
			}
		default:
			return
		}
	}
}
